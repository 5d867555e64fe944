package retry

import "time"

// Attempt is one planned try.
type Attempt struct {
	Index int           `json:"index"`
	Delay time.Duration `json:"delay"`
	At    time.Time     `json:"at"`
}

// Schedule plans every attempt of key starting at now. The first attempt
// runs immediately; each later one waits Backoff after the previous.
func Schedule(key string, p Policy, now time.Time) []Attempt {
	out := make([]Attempt, p.MaxAttempts)
	at := now
	for i := range out {
		var d time.Duration
		if i > 0 {
			d = Backoff(key, i, p)
		}
		at = at.Add(d)
		out[i] = Attempt{Index: i, Delay: d, At: at}
	}
	return out
}
