package registry

// NewDefault returns a Registry pre-populated with the four mode-
// handshake commands (BINREQ, BINREQACK, BINEXIT, BINEXITACK).
// Embedders add their device's command ladder on top via
// RegisterLibrary/RegisterHost - this library only ships the
// handful of commands its own mode controller depends on. The bare "AT"
// connectivity check and any other device-specific command go through
// Custom, since they are not part of the mode handshake.
func NewDefault() *Registry {
	r := New()
	r.RegisterLibrary("BINREQ", true, func() Descriptor { return &modeCommand{id: "BINREQ"} })
	r.RegisterLibrary("BINREQACK", true, func() Descriptor { return &modeCommand{id: "BINREQACK"} })
	r.RegisterLibrary("BINEXIT", true, func() Descriptor { return &modeCommand{id: "BINEXIT"} })
	r.RegisterLibrary("BINEXITACK", true, func() Descriptor { return &modeCommand{id: "BINEXITACK"} })
	return r
}

// modeCommand implements the four mode-handshake identifiers. None of
// them take arguments or carry a response body beyond OK; the Mode
// Controller reacts to which identifier was sent or received, not to
// anything parsed out of ParseResponse.
type modeCommand struct{ id string }

func (m *modeCommand) Identifier() string           { return m.id }
func (m *modeCommand) IsModeCommand() bool          { return true }
func (m *modeCommand) Serialize() (string, error)   { return "", nil }
func (m *modeCommand) ParseResponse([]string) error { return nil }
func (m *modeCommand) ParsePartialResponse() bool   { return false }
func (m *modeCommand) ProcessInbound(_ string, sink ResponseSink) error {
	sink.SendSuccess("")
	return nil
}

// Custom is a verbatim outbound command: Raw is written to the wire
// exactly as given, bypassing <prefix><identifier>[=<args>] framing
// entirely - this is also how the bare "AT" connectivity check is
// sent, since it carries no prefix at all. It has no library-handled
// inbound meaning and is never registered.
type Custom struct {
	Raw      string
	response []string
}

// NewCustom builds a verbatim outbound command carrying raw.
func NewCustom(raw string) *Custom { return &Custom{Raw: raw} }

func (c *Custom) Identifier() string         { return c.Raw }
func (c *Custom) IsModeCommand() bool        { return false }
func (c *Custom) Serialize() (string, error) { return "", nil }
func (c *Custom) VerbatimPayload() string    { return c.Raw }
func (c *Custom) ParseResponse(lines []string) error {
	c.response = append(c.response, lines...)
	return nil
}
func (c *Custom) ParsePartialResponse() bool { return false }
func (c *Custom) ProcessInbound(string, ResponseSink) error {
	return nil
}

// Response returns every buffered response line delivered before OK.
func (c *Custom) Response() []string { return c.response }
