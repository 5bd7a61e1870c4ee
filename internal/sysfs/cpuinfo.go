package sysfs

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

var cpuInfoPath = "/proc/cpuinfo"

// LoopsPerJiffy derives the per CPU delay loop constants from the BogoMIPS
// the kernel reports, for a tick rate of hz.
func LoopsPerJiffy(hz uint) (map[uint]uint64, error) {
	if hz == 0 {
		return nil, fmt.Errorf("invalid tick rate 0")
	}

	file, err := os.Open(cpuInfoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read cpuinfo: %w", err)
	}
	defer file.Close()

	lpj := map[uint]uint64{}
	processor := -1
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		key, value, found := strings.Cut(scanner.Text(), ":")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "processor":
			id, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("failed to parse processor id %q: %w", value, err)
			}
			processor = id
		case "BogoMIPS", "bogomips":
			if processor < 0 {
				continue
			}
			bogomips, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, fmt.Errorf("failed to parse BogoMIPS of CPU %d: %w", processor, err)
			}
			lpj[uint(processor)] = uint64(math.Round(bogomips * 500000 / float64(hz)))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read cpuinfo: %w", err)
	}

	return lpj, nil
}
