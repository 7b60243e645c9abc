package gpu

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrPartialRead marks a single row that could not be parsed. The rest of
// the output is still used.
var ErrPartialRead = errors.New("row skipped")

// ParseDeviceRow parses one row of the device query.
func ParseDeviceRow(line string, ts time.Time) (Device, error) {
	record, err := splitRow(line)
	if err != nil {
		return Device{}, fmt.Errorf("%w: %w", ErrPartialRead, err)
	}
	if len(record) != len(deviceFields) {
		return Device{}, fmt.Errorf("%w: got %d fields, want %d", ErrPartialRead, len(record), len(deviceFields))
	}

	d := Device{Timestamp: ts}
	for i, f := range deviceFields {
		raw := strings.TrimSpace(record[i])
		if isAbsent(raw) {
			if f.required {
				return Device{}, fmt.Errorf("%w: missing %s", ErrPartialRead, f.name)
			}
			continue
		}
		if err := f.set(&d, raw); err != nil {
			return Device{}, fmt.Errorf("%w: %s: %w", ErrPartialRead, f.name, err)
		}
	}
	return d, nil
}

// ParseDevices parses the device query output. Rows that fail to parse are
// left out and reported in the returned error, which wraps ErrPartialRead.
func ParseDevices(out []byte, ts time.Time) ([]Device, error) {
	var (
		devices []Device
		errs    []error
	)
	for n, line := range lines(out) {
		d, err := ParseDeviceRow(line, ts)
		if err != nil {
			errs = append(errs, fmt.Errorf("device row %d: %w", n+1, err))
			continue
		}
		devices = append(devices, d)
	}
	return devices, errors.Join(errs...)
}

// ParseProcessRow parses one row of the compute-apps query.
func ParseProcessRow(line string) (Process, error) {
	record, err := splitRow(line)
	if err != nil {
		return Process{}, fmt.Errorf("%w: %w", ErrPartialRead, err)
	}
	if len(record) != len(processFields) {
		return Process{}, fmt.Errorf("%w: got %d fields, want %d", ErrPartialRead, len(record), len(processFields))
	}
	for i := range record {
		record[i] = strings.TrimSpace(record[i])
	}

	pid, err := strconv.ParseInt(record[0], 10, 32)
	if err != nil || pid <= 0 {
		return Process{}, fmt.Errorf("%w: invalid pid %q", ErrPartialRead, record[0])
	}

	p := Process{PID: int32(pid)}
	if !isAbsent(record[1]) {
		p.Name = record[1]
	}
	if !isAbsent(record[2]) {
		p.GPUUUID = record[2]
	}
	if !isAbsent(record[3]) {
		if v, ok := parseUnsigned(record[3], 64); ok {
			p.UsedMemoryMiB = &v
		}
	}
	return p, nil
}

// ParseProcesses parses the compute-apps query output, skipping malformed
// rows.
func ParseProcesses(out []byte) ([]Process, error) {
	var (
		procs []Process
		errs  []error
	)
	for n, line := range lines(out) {
		// Some driver versions print a notice instead of an empty table.
		if strings.HasPrefix(line, "No running") {
			continue
		}
		p, err := ParseProcessRow(line)
		if err != nil {
			errs = append(errs, fmt.Errorf("process row %d: %w", n+1, err))
			continue
		}
		procs = append(procs, p)
	}
	return procs, errors.Join(errs...)
}

// ParseCount parses the first line of the count query.
func ParseCount(out []byte) (int, error) {
	rows := lines(out)
	if len(rows) == 0 {
		return 0, errors.New("empty output")
	}
	count, err := strconv.Atoi(strings.TrimSpace(rows[0]))
	if err != nil {
		return 0, fmt.Errorf("parse device count: %w", err)
	}
	if count < 0 {
		return 0, fmt.Errorf("negative device count %d", count)
	}
	return count, nil
}

func splitRow(line string) ([]string, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	return r.Read()
}

func lines(out []byte) []string {
	var rows []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		rows = append(rows, line)
	}
	return rows
}
