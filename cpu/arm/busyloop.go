package arm

// defined in timer.s
func Busyloop(cycles int32)
