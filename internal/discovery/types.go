// Package discovery implements the Device Discoverer (spec C1): four
// enumerations (serial, CAN, DFU, host-process) plus the composed
// check_device_status used by both the fleet status API and the batch
// orchestrator.
//
// Serial enumeration reuses the teacher's serial.ListPorts/ByIDPorts
// (serial/ports_list.go); CAN/DFU enumeration shell out to vendor tools the
// way the Python original's discover_can_devices/discover_serial_devices
// do, and results are cached behind the Bus Arbiter per spec §4.1.
package discovery

import "github.com/klipperfleet/klipperfleet-go/internal/identity"

// SerialRecord is one discovered serial device.
type SerialRecord struct {
	ID   string // stable by-id path, or generic tty node if no by-id entry exists
	Name string
	Mode string
}

// CANRecord is one discovered CAN device.
type CANRecord struct {
	UUID      string
	Name      string
	Interface string
	Mode      string
}

// DFURecord is one discovered DFU device; an alias of identity.DFUDevice so
// the resolver can consume discovery output directly.
type DFURecord = identity.DFUDevice

// LinuxRecord is the singleton host-process record (spec §4.1).
type LinuxRecord struct {
	ID   string
	Mode string
}

// HostMCUSocket is the fixed host-process MCU socket path (spec §4.1).
const HostMCUSocket = "/tmp/klipper_host_mcu"
