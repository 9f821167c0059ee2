// Package sensor reads the tank thermometer.
package sensor

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Thermometer reads a temperature in degrees Celsius.
type Thermometer interface {
	Read() (float64, error)
}

// DefaultDir is where the kernel exposes 1-wire slaves.
const DefaultDir = "/sys/bus/w1/devices"

// familyDS18B20 is the 1-wire family code prefix of DS18B20 device folders,
// e.g. 28-3ce104574f79.
const familyDS18B20 = "28-"

// powerOnReset is the scratchpad value a DS18B20 reports before its first
// conversion completes.
const powerOnReset = 85000

var (
	ErrNoSensor     = errors.New("sensor: no DS18B20 connected")
	ErrCRC          = errors.New("sensor: CRC check failed")
	ErrPowerOnReset = errors.New("sensor: power-on reset value")
)

// DS18B20 reads a DS18B20 through the w1_therm sysfs interface.
type DS18B20 struct {
	dir string

	mu     sync.Mutex
	cached string
}

// NewDS18B20 creates a reader that looks for sensors under dir.
func NewDS18B20(dir string) *DS18B20 {
	if dir == "" {
		dir = DefaultDir
	}
	return &DS18B20{dir: dir}
}

// Read returns the tank temperature. The data file path is cached until it
// disappears (sensor unplugged or renumbered).
func (d *DS18B20) Read() (float64, error) {
	path, err := d.dataFile()
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		d.mu.Lock()
		d.cached = ""
		d.mu.Unlock()
		return 0, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseW1Slave(string(data))
}

func (d *DS18B20) dataFile() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cached != "" {
		if _, err := os.Stat(d.cached); err == nil {
			return d.cached, nil
		}
	}

	matches, err := filepath.Glob(filepath.Join(d.dir, familyDS18B20+"*"))
	if err != nil {
		return "", fmt.Errorf("scan %s: %w", d.dir, err)
	}
	if len(matches) == 0 {
		return "", ErrNoSensor
	}
	sort.Strings(matches)
	if len(matches) > 1 {
		log.Printf("sensor: multiple DS18B20 detected %v, using %s", matches, matches[0])
	}
	d.cached = filepath.Join(matches[0], "w1_slave")
	return d.cached, nil
}

// ParseW1Slave parses w1_slave contents:
//
//	72 01 4b 46 7f ff 0e 10 57 : crc=57 YES
//	72 01 4b 46 7f ff 0e 10 57 t=23125
func ParseW1Slave(data string) (float64, error) {
	lines := strings.Split(strings.TrimSpace(data), "\n")
	if len(lines) < 2 {
		return 0, fmt.Errorf("sensor: short reading %q", data)
	}
	if !strings.HasSuffix(strings.TrimSpace(lines[0]), "YES") {
		return 0, ErrCRC
	}
	i := strings.Index(lines[1], "t=")
	if i < 0 {
		return 0, fmt.Errorf("sensor: no temperature in %q", lines[1])
	}
	milli, err := strconv.Atoi(strings.TrimSpace(lines[1][i+2:]))
	if err != nil {
		return 0, fmt.Errorf("sensor: parse temperature: %w", err)
	}
	if milli == powerOnReset {
		return 0, ErrPowerOnReset
	}
	return float64(milli) / 1000, nil
}
