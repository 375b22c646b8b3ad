package segment

import "time"

// Expiry is a time-to-live / time-to-idle policy. Zero durations disable
// the respective limit.
type Expiry struct {
	TTL time.Duration
	TTI time.Duration
}

// Expires returns the expiration time of an entry created at created and last
// touched at now, or 0 if it never expires. The earlier limit wins.
func (e Expiry) Expires(created, now int64) int64 {
	var exp int64
	if e.TTL > 0 {
		exp = created + int64(e.TTL)
	}
	if e.TTI > 0 {
		idle := now + int64(e.TTI)
		if exp == 0 || idle < exp {
			exp = idle
		}
	}
	return exp
}

// Clock returns the current time in unix nanoseconds.
type Clock func() int64

// SystemClock reads the wall clock.
func SystemClock() int64 { return time.Now().UnixNano() }
