package engine

// Phase identifies one directional reconciliation pass. Phases execute
// strictly in ascending order within a run; later phases depend on
// identity maps built by earlier ones.
type Phase int

const (
	PhaseProjectsSourceToSink Phase = iota + 1
	PhaseProjectsSinkToSource
	PhaseRebuildProjectMaps
	PhaseTaskCompletion
	PhaseTasksSourceToSink
	PhaseTasksSinkToSource
)

func (p Phase) String() string {
	switch p {
	case PhaseProjectsSourceToSink:
		return "projects source→sink"
	case PhaseProjectsSinkToSource:
		return "projects sink→source"
	case PhaseRebuildProjectMaps:
		return "rebuild project maps"
	case PhaseTaskCompletion:
		return "task completion"
	case PhaseTasksSourceToSink:
		return "tasks source→sink"
	case PhaseTasksSinkToSource:
		return "tasks sink→source"
	default:
		return "unknown"
	}
}

// PhaseOrder returns the phases in execution order.
func PhaseOrder() []Phase {
	return []Phase{
		PhaseProjectsSourceToSink,
		PhaseProjectsSinkToSource,
		PhaseRebuildProjectMaps,
		PhaseTaskCompletion,
		PhaseTasksSourceToSink,
		PhaseTasksSinkToSource,
	}
}

// LastWriter resolves a same-field conflict within a single run:
// whichever phase touches the field last determines its final value.
// There is no timestamp-based arbitration; this directional
// last-write-wins rule is the stated policy, not an accident of call
// order.
//
// Because a later phase reads the value the earlier phase just wrote
// (phases share the in-memory snapshot), the "winning" phase usually
// re-propagates the earlier phase's value rather than overwriting it:
// a rename applied to the sink in the source→sink pass is what the
// sink→source pass then copies back.
func LastWriter(touched ...Phase) Phase {
	var last Phase
	for _, p := range touched {
		if p > last {
			last = p
		}
	}
	return last
}
