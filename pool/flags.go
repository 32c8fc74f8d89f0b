package pool

import (
	"strings"

	"github.com/grnxx-go/grnxxgo/grerr"
)

// Flags selects how a pool is opened. Mutually exclusive combinations are
// rejected by normalize.
type Flags uint16

const (
	ReadOnly     Flags = 1 << iota // open in read-only mode
	Create                         // create a pool if it does not exist
	Open                           // open an existing pool
	CreateOrOpen                   // create-or-open
	Temporary                      // create a temporary, unlinked-on-close pool
	Anonymous                      // non-file-backed pool
	HugeTLB                        // request huge pages from the mapping provider
)

func (f Flags) String() string {
	var names []string
	for _, p := range []struct {
		bit  Flags
		name string
	}{
		{ReadOnly, "ReadOnly"},
		{Create, "Create"},
		{Open, "Open"},
		{CreateOrOpen, "CreateOrOpen"},
		{Temporary, "Temporary"},
		{Anonymous, "Anonymous"},
		{HugeTLB, "HugeTLB"},
	} {
		if f&p.bit != 0 {
			names = append(names, p.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// normalize validates and canonicalizes a flag combination: Temporary and
// Anonymous each accept only HugeTLB alongside them and imply Create; any
// other flag with them is rejected; Create together with ReadOnly is
// rejected; Open is implied when Create is absent.
func normalize(f Flags) (Flags, error) {
	const op = "pool.Flags.normalize"
	switch {
	case f&Temporary != 0:
		if f&^(Temporary|HugeTLB) != 0 {
			return 0, grerr.New(grerr.Logic, op, "Temporary is exclusive of other mode flags: %s", f)
		}
		return f | Create, nil
	case f&Anonymous != 0:
		if f&^(Anonymous|HugeTLB) != 0 {
			return 0, grerr.New(grerr.Logic, op, "Anonymous is exclusive of other mode flags: %s", f)
		}
		return f | Create, nil
	case f&Create != 0 && f&ReadOnly != 0:
		return 0, grerr.New(grerr.Logic, op, "Create and ReadOnly are mutually exclusive: %s", f)
	case f&Create == 0:
		return f | Open, nil
	default:
		return f, nil
	}
}
