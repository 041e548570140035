// Raspberry Pi Zero/1 board identity
// https://github.com/usbarmory/tamago
//
// Copyright (c) the pi1 package authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package bcm2835

import "fmt"

// Board exposes the capabilities a Raspberry Pi Zero/1 offers beyond the
// SoC itself: its two GPIO-driven status LEDs.
type Board struct {
	activity *GPIO
	power    *GPIO
}

// Pi1 GPIO lines for the on-board LEDs.
const (
	activityLine = 0x2f
	powerLine    = 0x23
)

// NewBoard wires up the board's status LEDs, ready for LED to be called.
func NewBoard() (*Board, error) {
	activity, err := NewGPIO(activityLine)
	if err != nil {
		return nil, err
	}
	power, err := NewGPIO(powerLine)
	if err != nil {
		return nil, err
	}
	activity.Out()
	power.Out()

	return &Board{activity: activity, power: power}, nil
}

// LED turns on/off an LED by name.
func (b *Board) LED(name string, on bool) error {
	var led *GPIO

	switch name {
	case "activity", "Activity", "ACTIVITY":
		led = b.activity
	case "power", "Power", "POWER":
		led = b.power
	default:
		return fmt.Errorf("invalid LED %q", name)
	}

	if on {
		led.High()
	} else {
		led.Low()
	}

	return nil
}
