package unicorn

import (
	"testing"

	"github.com/zboralski/ucstep/internal/arch"
)

// Every canonical register must have a Unicorn id and vice versa.
func TestRegisterTablesMatchArch(t *testing.T) {
	for _, a := range []arch.Arch{arch.A32, arch.A32Thumb, arch.A64, arch.X86, arch.X64} {
		ids := registerIDs(a)
		spec := a.Spec()
		for _, r := range spec.Registers {
			if _, ok := ids[r]; !ok {
				t.Errorf("%v: register %s has no unicorn id", a, r)
			}
		}
		if len(ids) != len(spec.Registers) {
			t.Errorf("%v: %d unicorn ids for %d registers", a, len(ids), len(spec.Registers))
		}
	}
}
