package sysfs

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const coolingDeviceBasePath = "/sys/class/thermal/cooling_device%d/cur_state"

func getCoolingDevicePath(id uint) string {
	return fmt.Sprintf(coolingDeviceBasePath, id)
}

var getCoolingDevicePathFunction = getCoolingDevicePath

// CoolingDevice reads the current state of a thermal cooling device.
type CoolingDevice struct {
	ID uint
}

func (d CoolingDevice) Level() (int, error) {
	data, err := os.ReadFile(getCoolingDevicePathFunction(d.ID))
	if err != nil {
		return 0, fmt.Errorf("failed to read state of cooling device %d: %w", d.ID, err)
	}

	level, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("failed to convert state of cooling device %d: %w", d.ID, err)
	}
	return level, nil
}
