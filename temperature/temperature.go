// Package temperature holds temperature units and the conversions between them.
package temperature

import "fmt"

type (
	// Celsius is a temperature in C
	Celsius float64

	// Fahrenheit is a temperature in deg F
	Fahrenheit float64
)

// C2F converts a temp in Celsius to Fahrenheit
func C2F(c Celsius) Fahrenheit {
	return Fahrenheit(c*9/5 + 32)
}

// F2C converts a temp in Fahrenheit to Celcius
func F2C(f Fahrenheit) Celsius {
	return Celsius((f - 32) * 5 / 9)
}

// FromUnit interprets v in the unit named by its suffix letter, C or F,
// and returns it in Celsius
func FromUnit(v float64, unit byte) (Celsius, error) {
	switch unit {
	case 'C', 'c':
		return Celsius(v), nil
	case 'F', 'f':
		return F2C(Fahrenheit(v)), nil
	}
	return 0, fmt.Errorf("unknown temperature unit %q", unit)
}
