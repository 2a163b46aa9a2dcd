package lamellar

//go:generate mockgen -source=arch.go -destination=mock_arch_test.go -package=lamellar

// Arch is the layout of a team: a subset of the world PEs with its own
// local numbering.
//
// `TeamPEID` MUST be able to map every world PE a request was sent to,
// fan-out retrieval waits forever on a reply it cannot place otherwise.
type Arch interface {
	// NumPEs is the size of the team.
	NumPEs() int
	// TeamPEID translates a world rank into a team-local index.
	TeamPEID(worldPE int) (int, error)
	// WorldPEID translates a team-local index into a world rank.
	WorldPEID(teamPE int) (int, error)
}

var _ Arch = WorldArch{}
var _ Arch = StridedArch{}

// WorldArch is the team made of every PE of the job.
type WorldArch struct {
	N int
}

func (a WorldArch) NumPEs() int {
	return a.N
}

func (a WorldArch) TeamPEID(worldPE int) (int, error) {
	if worldPE < 0 || worldPE >= a.N {
		return 0, &PEError{PE: worldPE, NumPEs: a.N, Err: ErrPENotInTeam}
	}
	return worldPE, nil
}

func (a WorldArch) WorldPEID(teamPE int) (int, error) {
	if teamPE < 0 || teamPE >= a.N {
		return 0, &PEError{PE: teamPE, NumPEs: a.N, Err: ErrPEOutOfRange}
	}
	return teamPE, nil
}

// StridedArch selects Count PEs starting at world rank Start, every
// Stride ranks.
type StridedArch struct {
	Start  int
	Stride int
	Count  int
}

func (a StridedArch) stride() int {
	if a.Stride <= 0 {
		return 1
	}
	return a.Stride
}

func (a StridedArch) NumPEs() int {
	return a.Count
}

func (a StridedArch) TeamPEID(worldPE int) (int, error) {
	delta := worldPE - a.Start
	if delta < 0 || delta%a.stride() != 0 || delta/a.stride() >= a.Count {
		return 0, &PEError{PE: worldPE, NumPEs: a.Count, Err: ErrPENotInTeam}
	}
	return delta / a.stride(), nil
}

func (a StridedArch) WorldPEID(teamPE int) (int, error) {
	if teamPE < 0 || teamPE >= a.Count {
		return 0, &PEError{PE: teamPE, NumPEs: a.Count, Err: ErrPEOutOfRange}
	}
	return a.Start + teamPE*a.stride(), nil
}
