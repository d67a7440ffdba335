package prophet

// Strategy decides, given the local node's delivery predictability to a
// target (pLocal) and a candidate delegate's predictability to the same
// target (pDelegate), whether the delegate is a better forwarder.
type Strategy interface {
	Name() string
	Prefer(pLocal, pDelegate float64) bool
}

// GRTR is the basic PRoPHET strategy: forward through any neighbour whose
// predictability to the target strictly exceeds the local node's own.
type GRTR struct{}

func (GRTR) Name() string { return "GRTR" }

func (GRTR) Prefer(pLocal, pDelegate float64) bool {
	return pDelegate > pLocal
}

// GTMX is GRTR with an additional per-object replication cap enforced by
// the forwarding manager (spec §4.8 "GTMX"): the predictability test is
// identical to GRTR, but the manager tracks how many copies of a given
// object have already been handed off and stops offering it once that
// count is reached, regardless of what this predicate returns. The
// strategy itself therefore only needs to express the GRTR predicate;
// MaxCopies is exposed for the manager to enforce the cap.
type GTMX struct {
	// MaxCopies bounds how many delegate copies of one data object the
	// forwarding manager will create under this strategy.
	MaxCopies int
}

// DefaultGTMXMaxCopies matches the value used by the original forwarder's
// GTMX implementation.
const DefaultGTMXMaxCopies = 10

func NewGTMX() GTMX {
	return GTMX{MaxCopies: DefaultGTMXMaxCopies}
}

func (GTMX) Name() string { return "GTMX" }

func (GTMX) Prefer(pLocal, pDelegate float64) bool {
	return pDelegate > pLocal
}

// StrategyByName resolves the "GRTR"/"GTMX" config values spec §6
// describes for the forwarding manager's strategy selection. Unknown
// names fall back to GRTR, matching the original forwarder's behaviour of
// leaving the previously configured strategy in place.
func StrategyByName(name string) Strategy {
	switch name {
	case "GTMX":
		return NewGTMX()
	default:
		return GRTR{}
	}
}
