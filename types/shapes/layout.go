package shapes

// Layout of a tensor's axes.
type Layout int

const (
	// LayoutInvalid is used for shapes that don't carry a layout: any rank is accepted.
	LayoutInvalid Layout = iota
	LayoutNCHW
	LayoutNHWC
	LayoutNC
	LayoutNHW
	LayoutNW
	LayoutW
)

var layoutNames = []string{"Invalid", "NCHW", "NHWC", "NC", "NHW", "NW", "W"}

// String implements fmt.Stringer.
func (l Layout) String() string {
	if l < 0 || int(l) >= len(layoutNames) {
		return "Layout(?)"
	}
	return layoutNames[l]
}

// Rank returns the number of axes of the layout, or -1 for LayoutInvalid (any rank).
func (l Layout) Rank() int {
	if l == LayoutInvalid {
		return -1
	}
	return len(l.String())
}

type imageAxis byte

const (
	axisN imageAxis = 'N'
	axisC imageAxis = 'C'
	axisH imageAxis = 'H'
	axisW imageAxis = 'W'
)

func (l Layout) axisOf(a imageAxis) int {
	if l == LayoutInvalid {
		return -1
	}
	name := l.String()
	for ii := range len(name) {
		if imageAxis(name[ii]) == a {
			return ii
		}
	}
	return -1
}
