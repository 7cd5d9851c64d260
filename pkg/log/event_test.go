package log

import "testing"

func TestDirectionString(t *testing.T) {
	cases := []struct {
		d    Direction
		want string
	}{
		{DirectionIn, "IN"},
		{DirectionOut, "OUT"},
		{Direction(99), "UNKNOWN"},
	}
	for _, c := range cases {
		if got := c.d.String(); got != c.want {
			t.Errorf("Direction(%d).String() = %q, want %q", c.d, got, c.want)
		}
	}
}

func TestLayerString(t *testing.T) {
	cases := []struct {
		l    Layer
		want string
	}{
		{LayerTransport, "TRANSPORT"},
		{LayerDTLS, "DTLS"},
		{LayerCoAP, "COAP"},
		{LayerProtocol, "PROTOCOL"},
		{Layer(99), "UNKNOWN"},
	}
	for _, c := range cases {
		if got := c.l.String(); got != c.want {
			t.Errorf("Layer(%d).String() = %q, want %q", c.l, got, c.want)
		}
	}
}

func TestCategoryString(t *testing.T) {
	cases := []struct {
		c    Category
		want string
	}{
		{CategoryMessage, "MESSAGE"},
		{CategoryControl, "CONTROL"},
		{CategoryState, "STATE"},
		{CategoryError, "ERROR"},
		{CategoryDiagnostic, "DIAGNOSTIC"},
		{Category(99), "UNKNOWN"},
	}
	for _, c := range cases {
		if got := c.c.String(); got != c.want {
			t.Errorf("Category(%d).String() = %q, want %q", c.c, got, c.want)
		}
	}
}

func TestStateEntityString(t *testing.T) {
	cases := []struct {
		s    StateEntity
		want string
	}{
		{StateEntitySupervisor, "SUPERVISOR"},
		{StateEntitySession, "SESSION"},
		{StateEntityFirmware, "FIRMWARE"},
		{StateEntity(99), "UNKNOWN"},
	}
	for _, c := range cases {
		if got := c.s.String(); got != c.want {
			t.Errorf("StateEntity(%d).String() = %q, want %q", c.s, got, c.want)
		}
	}
}

func TestControlMsgTypeString(t *testing.T) {
	cases := []struct {
		c    ControlMsgType
		want string
	}{
		{ControlMsgPing, "PING"},
		{ControlMsgPong, "PONG"},
		{ControlMsgTimeSync, "TIME_SYNC"},
		{ControlMsgType(99), "UNKNOWN"},
	}
	for _, c := range cases {
		if got := c.c.String(); got != c.want {
			t.Errorf("ControlMsgType(%d).String() = %q, want %q", c.c, got, c.want)
		}
	}
}

func TestEnumValuesStable(t *testing.T) {
	// These values are part of the on-disk CBOR format; changing them
	// would break decoding of previously captured log files.
	if DirectionIn != 0 || DirectionOut != 1 {
		t.Fatal("Direction enum values changed")
	}
	if LayerTransport != 0 || LayerDTLS != 1 || LayerCoAP != 2 || LayerProtocol != 3 {
		t.Fatal("Layer enum values changed")
	}
	if StateEntitySupervisor != 0 || StateEntitySession != 1 || StateEntityFirmware != 2 {
		t.Fatal("StateEntity enum values changed")
	}
}
