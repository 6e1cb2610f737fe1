package hci

// ResetSequence is the controller initialization sequence the Adapter
// runs during Initialize: reset, then the event masks
// that admit the LE sub-events this engine demultiplexes.
func ResetSequence() []CommandParam {
	return []CommandParam{
		Reset{},
		SetEventMask{Mask: 0x3dbff807fffbffff},
		LESetEventMask{Mask: 0x000000000000081F},
	}
}
