package models

// Mode selects planar classification or volumetric refinement.
type Mode int

const (
	// Mode2D refines 2D class averages with in-plane rotations.
	Mode2D Mode = iota
	// Mode3D refines 3D references with full rotations.
	Mode3D
)

func (m Mode) String() string {
	if m == Mode2D {
		return "2D"
	}
	return "3D"
}

// SearchType is the state of the refinement state machine.
type SearchType int

const (
	SearchGlobal SearchType = iota
	SearchLocal
	SearchCTF
	SearchStop
)

func (s SearchType) String() string {
	switch s {
	case SearchGlobal:
		return "Global Search"
	case SearchLocal:
		return "Local Search"
	case SearchCTF:
		return "CTF Refine"
	default:
		return "Stop Search"
	}
}

// Hemisphere labels one of the two independent halves of the data.
type Hemisphere int

const (
	HemisphereA Hemisphere = iota
	HemisphereB
)

func (h Hemisphere) String() string {
	if h == HemisphereA {
		return "A"
	}
	return "B"
}

// CTFAttr holds the microscope parameters describing one image's CTF.
type CTFAttr struct {
	// Voltage is the acceleration voltage in volts.
	Voltage float64

	// DefocusU and DefocusV are the major and minor defocus in Angstrom.
	DefocusU float64
	DefocusV float64

	// DefocusTheta is the astigmatism angle in radians.
	DefocusTheta float64

	// Cs is the spherical aberration in Angstrom.
	Cs float64

	// AmplitudeContrast is the fraction of amplitude contrast.
	AmplitudeContrast float64
}
