package sandbox

import "math"

// scoreTests aggregates per-test outcomes into pass counts and a 0-100
// score. With no test cases the score reflects the bare run alone: 100
// on a clean exit, 0 otherwise. Aggregation is pure and total: a failed
// or errored test counts against the score but never aborts the rest.
func scoreTests(results []TestResult, cleanExit bool) (passed, total, score int) {
	total = len(results)
	if total == 0 {
		if cleanExit {
			return 0, 0, 100
		}
		return 0, 0, 0
	}

	for _, result := range results {
		if result.Passed {
			passed++
		}
	}

	score = int(math.Round(100 * float64(passed) / float64(total)))
	return passed, total, score
}
