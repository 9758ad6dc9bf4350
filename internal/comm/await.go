package comm

import "time"

// Await polls cond every interval until it reports done, fails, or the
// wall-clock timeout expires (ErrTimeout). Cancellation is cooperative:
// cond returning an error stops the wait immediately.
func Await(clock Clock, interval, timeout time.Duration, cond func() (bool, error)) error {
	deadline := clock.Now().Add(timeout)
	for {
		done, err := cond()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if clock.Now().Add(interval).After(deadline) {
			return ErrTimeout
		}
		<-clock.After(interval)
	}
}
