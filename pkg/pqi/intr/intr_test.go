package intr

import "testing"

type recordingSink struct {
	msixVector *uint32
	msiFired   bool
	intxPulsed bool
}

func (s *recordingSink) NotifyMSIX(vector uint32) { s.msixVector = &vector }
func (s *recordingSink) NotifyMSI()               { s.msiFired = true }
func (s *recordingSink) PulseINTx()               { s.intxPulsed = true }

func TestFallbackChain(t *testing.T) {
	cases := []struct {
		mode Mode
		want string
	}{
		{ModeMSIX, "msix"},
		{ModeMSI, "msi"},
		{ModeINTx, "intx"},
	}
	for _, c := range cases {
		s := &recordingSink{}
		n := &Notifier{Mode: c.mode, Sink: s}
		n.Notify(7)

		switch c.want {
		case "msix":
			if s.msixVector == nil || *s.msixVector != 7 {
				t.Errorf("mode %v: expected MSI-X vector 7", c.mode)
			}
		case "msi":
			if !s.msiFired {
				t.Errorf("mode %v: expected MSI fired", c.mode)
			}
		case "intx":
			if !s.intxPulsed {
				t.Errorf("mode %v: expected INTx pulsed", c.mode)
			}
		}
	}
}
