package domain

var Tables = []interface{}{
	// System
	&SysConfig{},
	&SysOprLog{},
	// WhatsApp supervision
	&WaAccount{},
	&WaAuthState{},
	&WaSessionLease{},
	// Conversations
	&ChatThread{},
	&ChatMessage{},
	// Operational guard layer
	&Incident{},
	&HealthVote{},
}
