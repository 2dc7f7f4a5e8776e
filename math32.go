package compgen

import "math"

func Pow(x, y float32) float32 {
	return float32(math.Pow(float64(x), float64(y)))
}

func Sqrt(x float32) float32 {
	return float32(math.Sqrt(float64(x)))
}

func IsNaN(f float32) bool {
	return math.IsNaN(float64(f))
}
