package sim

import "fmt"

// Scene selects the initial stack a room is built with.
type Scene string

const (
	SceneStandard Scene = "standard"
	SceneTower    Scene = "tower"
	ScenePyramid  Scene = "pyramid"
)

// Scenes lists every scene a client may request, in presentation order.
var Scenes = []Scene{SceneStandard, SceneTower, ScenePyramid}

func ParseScene(s string) (Scene, error) {
	switch Scene(s) {
	case SceneStandard, SceneTower, ScenePyramid:
		return Scene(s), nil
	case "":
		return SceneStandard, nil
	}
	return "", fmt.Errorf("unknown scene %q", s)
}

// buildScene lays out the stack resting on the floor. IDs are assigned by
// the caller in generation order, which keeps scenes deterministic.
func buildScene(scene Scene) []body {
	switch scene {
	case SceneTower:
		return towerScene(SceneRows, BoxRad, FloorTop)
	case ScenePyramid:
		return pyramidScene(SceneRows, BoxRad, FloorTop)
	default:
		return standardScene(SceneRows, BoxRad, FloorTop)
	}
}

// standardScene alternates rows of small boxes with sparse wide slabs.
func standardScene(num int, rad, offsetY float64) []body {
	var out []body
	shift := rad * 2
	for row := 0; row < num; row++ {
		yf := float64(row)
		if row%2 == 0 {
			centerX := shift * float64(num-1) / 2
			centerY := shift/2 + offsetY
			for x := 0; x < num; x++ {
				out = append(out, body{
					x:  float64(x)*shift - centerX,
					y:  yf*shift + centerY,
					hw: rad, hh: rad,
				})
			}
		} else {
			slabs := num / 2
			centerX := shift * 2.5 * float64(slabs-1) / 2
			centerY := rad + offsetY
			for x := 0; x < slabs; x++ {
				out = append(out, body{
					x:  float64(x)*shift*2.5 - centerX,
					y:  yf*shift + centerY,
					hw: rad * 2, hh: rad,
				})
			}
		}
	}
	return out
}

// towerScene is a brick-bonded column: alternating rows of n and n-1 boxes.
func towerScene(num int, rad, offsetY float64) []body {
	var out []body
	shift := rad * 2
	centerX := shift * float64(num-1) / 2
	centerY := shift/2 + offsetY
	for row := 0; row < num; row++ {
		count := num
		if row%2 != 0 {
			count = num - 1
		}
		xOffset := float64(num-count) / 2
		for x := 0; x < count; x++ {
			out = append(out, body{
				x:  float64(x)*shift - centerX + xOffset*shift,
				y:  float64(row)*shift + centerY,
				hw: rad, hh: rad,
			})
		}
	}
	return out
}

func pyramidScene(num int, rad, offsetY float64) []body {
	var out []body
	shift := rad * 2
	centerX := shift * float64(num-1) / 2
	centerY := shift/2 + offsetY
	for i := 0; i < num; i++ {
		for j := i; j < num; j++ {
			fi, fj := float64(i), float64(j)
			out = append(out, body{
				x:  fi*shift/2 + (fj-fi)*shift - centerX,
				y:  fi*shift + centerY,
				hw: rad, hh: rad,
			})
		}
	}
	return out
}
