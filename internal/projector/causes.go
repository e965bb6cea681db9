package projector

// hangupCauses maps Q.850 cause codes reported by the switch to a short
// name and the billing disposition recorded for the call.
var hangupCauses = map[int]struct {
	Name        string
	Disposition string
}{
	0:   {"unknown", "FAILED"},
	1:   {"unallocated_number", "FAILED"},
	16:  {"normal_clearing", "ANSWERED"},
	17:  {"user_busy", "BUSY"},
	18:  {"no_answer", "NO ANSWER"},
	19:  {"no_answer", "NO ANSWER"},
	21:  {"call_rejected", "FAILED"},
	27:  {"destination_out_of_order", "FAILED"},
	31:  {"normal_unspecified", "ANSWERED"},
	34:  {"congestion", "CONGESTION"},
	38:  {"network_out_of_order", "FAILED"},
	127: {"interworking", "FAILED"},
}

// CauseName returns the short name for a cause code.
func CauseName(code int) string {
	if c, ok := hangupCauses[code]; ok {
		return c.Name
	}
	return "unknown"
}

// disposition picks the billing disposition. A call that was never answered
// cannot be ANSWERED whatever the cause says.
func disposition(code int, answered bool) string {
	d := "FAILED"
	if c, ok := hangupCauses[code]; ok {
		d = c.Disposition
	}
	if d == "ANSWERED" && !answered {
		return "NO ANSWER"
	}
	if answered && (code == 16 || code == 31 || code == 0) {
		return "ANSWERED"
	}
	return d
}
