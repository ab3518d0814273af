package common

import "time"

// UTCNow is the wall clock for promo validity. Promo dates are calendar days
// in UTC, so every service comparing against them reads this clock.
func UTCNow() time.Time {
	return time.Now().UTC()
}
