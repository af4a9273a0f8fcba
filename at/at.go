package at

const (
	// Terminal Control
	CRLF   = "\r\n"
	Prompt = "> "
	CtrlZ  = "\x1a"

	// Response Codes
	OK         = "OK"
	ERROR      = "ERROR"
	NoCarrier  = "NO CARRIER"
	NoDialtone = "NO DIALTONE"
	Busy       = "BUSY"
	NoAnswer   = "NO ANSWER"
	CmeError   = "+CME ERROR:"
	CmsError   = "+CMS ERROR:"

	// URCs (Unsolicited Result Codes)
	UrcNewMsg         = "+CMTI:"
	UrcMessageReport  = "+CDSI:"
	UrcDeliveryState  = "+CDS:"
	UrcSignalStrength = "+CSQ:"
	UrcCall           = "RING"

	// Commands
	CmdAt            = "AT"
	CmdEchoOff       = "ATE0"
	CmdReset         = "ATZ"
	CmdVerboseErrors = "AT+CMEE=2"
	CmdSimStatus     = "AT+CPIN?"
	CmdSetTextMode   = "AT+CMGF=1"
	CmdManufacturer  = "AT+CGMI"
	CmdSignal        = "AT+CSQ"
	CmdStorage       = "AT+CPMS?"
	CmdSoftReset     = "AT+CFUN=1,1"
	CmdListAll       = `AT+CMGL="ALL"`
	CmdReportConfig  = "AT+CNMI=2,1,0,1,0"

	// SIM states reported by AT+CPIN?
	SimReady = "+CPIN: READY"
	SimPin   = "+CPIN: SIM PIN"

	// Data response prefixes
	RespSendRef  = "+CMGS:"
	RespSignal   = "+CSQ:"
	RespStorage  = "+CPMS:"
	RespList     = "+CMGL:"
	RespSimState = "+CPIN:"
)

type ResponseType int

const (
	TypeFinal  ResponseType = iota // OK, ERROR
	TypeURC                        // Asynchronous notifications
	TypeData                       // Intermediate command output (+CSQ: ...)
	TypePrompt                     // SMS input prompt
)
