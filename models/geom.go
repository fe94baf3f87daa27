package models

// Box is an axis-aligned rectangle in pixel space
type Box struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (b Box) X2() int {
	return b.X + b.Width
}

func (b Box) Y2() int {
	return b.Y + b.Height
}

func (b Box) Area() int {
	return b.Width * b.Height
}

// Aspect returns height/width, or zero for degenerate boxes
func (b Box) Aspect() float64 {
	if b.Width <= 0 {
		return 0
	}
	return float64(b.Height) / float64(b.Width)
}

func (b Box) Intersection(o Box) Box {
	x1 := max(b.X, o.X)
	y1 := max(b.Y, o.Y)
	x2 := min(b.X2(), o.X2())
	y2 := min(b.Y2(), o.Y2())
	return Box{
		X:      x1,
		Y:      y1,
		Width:  max(0, x2-x1),
		Height: max(0, y2-y1),
	}
}

// Intersection over Union
func (b Box) IOU(o Box) float64 {
	inter := b.Intersection(o).Area()
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func (b Box) Center() Point {
	return Point{
		X: b.X + b.Width/2,
		Y: b.Y + b.Height/2,
	}
}

// Clip returns the part of the box inside a width x height image
func (b Box) Clip(width, height int) Box {
	return b.Intersection(Box{Width: width, Height: height})
}

// Scale multiplies all coordinates by sx, sy
func (b Box) Scale(sx, sy float64) Box {
	return Box{
		X:      int(float64(b.X)*sx + 0.5),
		Y:      int(float64(b.Y)*sy + 0.5),
		Width:  int(float64(b.Width)*sx + 0.5),
		Height: int(float64(b.Height)*sy + 0.5),
	}
}
