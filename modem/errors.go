package modem

import "errors"

var (
	// ErrNoDialer is returned when a Modem is constructed without a Dialer.
	//
	// This indicates a configuration error. A Dialer is required in order to
	// establish a connection to the modem.
	ErrNoDialer = errors.New("no dialer configured")

	// ErrNotInitialized is returned when an operation is attempted on a Modem
	// that has not been successfully initialized.
	//
	// This can occur if initialization failed or if the Modem was not created
	// via New.
	ErrNotInitialized = errors.New("modem not initialized")

	// ErrAlreadyClosed is returned when Close is called on a Modem that has
	// already been closed.
	ErrAlreadyClosed = errors.New("modem already closed")

	// ErrLoopRunning is returned when Loop is called while another Loop
	// invocation is still active.
	ErrLoopRunning = errors.New("modem loop already running")

	// ErrSIMPinRequired is returned when the SIM card requires a PIN and no
	// PIN was provided in the Config.
	//
	// Callers may handle this error specially (for example, by prompting
	// the user for a PIN) and retry initialization.
	ErrSIMPinRequired = errors.New("SIM PIN required")

	// ErrLineTooLong is returned when a modem response line exceeds the
	// maximum allowed length.
	//
	// This typically indicates malformed input, unexpected binary data,
	// or a protocol framing error.
	ErrLineTooLong = errors.New("response line too long")

	// ErrDeviceOpen is returned when the serial device cannot be opened.
	// The process usually cannot recover from this without external help,
	// so callers treat it as fatal.
	ErrDeviceOpen = errors.New("device open failed")

	// ErrDeviceWrite is returned when writing to the serial device fails.
	// Like ErrDeviceOpen, this indicates the link itself is broken.
	ErrDeviceWrite = errors.New("device write failed")

	// ErrNotConnected is returned when the modem reports it has no network
	// registration for the requested operation.
	ErrNotConnected = errors.New("modem not connected to network")

	// ErrEmptySMSC is returned when the modem has no SMS service center
	// number configured and none was supplied with the message.
	ErrEmptySMSC = errors.New("empty SMSC number")

	// ErrInternal is returned for modem-side failures that do not map to a
	// more specific condition, such as unparseable responses.
	ErrInternal = errors.New("internal modem error")
)
