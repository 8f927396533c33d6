package redisx

import "fmt"

const ns = "busgo:v1"

func KeySeatState(busID int64, date string) string {
	return fmt.Sprintf("%s:bus:%d:%s:seats", ns, busID, date)
}

func KeySchedule(busID int64) string {
	return fmt.Sprintf("%s:bus:%d:schedule", ns, busID)
}

func KeyRateLimit(scope, id string) string {
	return fmt.Sprintf("%s:rl:%s:%s", ns, scope, id)
}

func ChannelSeatsChanged() string {
	return ns + ":seats:changed"
}
