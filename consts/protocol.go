package consts

// ServerName is announced in greetings and sign-off messages.
const ServerName = "dewey"

// Protocol labels used in logs and metrics.
const (
	ProtocolPOP3 = "pop3"
	ProtocolSMTP = "smtp"
)
