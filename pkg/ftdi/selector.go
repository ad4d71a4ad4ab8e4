package ftdi

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/gousb"
	"periph.io/x/d2xx"
)

// FTDI vendor ID and the FT2232H product ID the HS2 dongle enumerates as.
const (
	VendorID       = 0x0403
	ProductFT2232H = 0x6010
)

// DevType is the FTDI device family reported by the driver.
type DevType uint32

// Device types as reported by GetDeviceInfo.
const (
	DevTypeFT2232C DevType = 4
	DevTypeFT232R  DevType = 5
	DevTypeFT2232H DevType = 6
	DevTypeFT4232H DevType = 7
	DevTypeFT232H  DevType = 8
)

func (d DevType) String() string {
	switch d {
	case DevTypeFT2232C:
		return "FT2232C"
	case DevTypeFT232R:
		return "FT232R"
	case DevTypeFT2232H:
		return "FT2232H"
	case DevTypeFT4232H:
		return "FT4232H"
	case DevTypeFT232H:
		return "FT232H"
	default:
		return fmt.Sprintf("FTDI(type %d)", uint32(d))
	}
}

// eepromSize returns the raw EEPROM image size the driver expects for the
// device family.
func (d DevType) eepromSize() int {
	switch d {
	case DevTypeFT232H:
		return 44
	case DevTypeFT2232H:
		return 40
	case DevTypeFT232R:
		return 32
	default:
		return 256
	}
}

// SelectorKind enumerates the ways an instance can be bound to a device.
type SelectorKind int

const (
	SelectAuto SelectorKind = iota
	SelectSerial
	SelectIndex
	SelectBusLocation
)

// Selector identifies exactly one physical adapter. Matching is first-match
// in driver enumeration order.
type Selector struct {
	Kind   SelectorKind
	Serial string
	Index  int
	Bus    int
	Addr   int
}

// ParseSelector parses the configuration syntax: "SN:<serial>",
// "IDX:<index>", "BUS:<bus>:<addr>" or "auto".
func ParseSelector(s string) (Selector, error) {
	switch {
	case s == "auto" || s == "":
		return Selector{Kind: SelectAuto}, nil
	case strings.HasPrefix(s, "SN:"):
		serial := strings.TrimPrefix(s, "SN:")
		if serial == "" {
			return Selector{}, fmt.Errorf("ftdi: empty serial in selector %q", s)
		}
		return Selector{Kind: SelectSerial, Serial: serial}, nil
	case strings.HasPrefix(s, "IDX:"):
		idx, err := strconv.Atoi(strings.TrimPrefix(s, "IDX:"))
		if err != nil || idx < 0 {
			return Selector{}, fmt.Errorf("ftdi: bad device index in selector %q", s)
		}
		return Selector{Kind: SelectIndex, Index: idx}, nil
	case strings.HasPrefix(s, "BUS:"):
		parts := strings.Split(strings.TrimPrefix(s, "BUS:"), ":")
		if len(parts) != 2 {
			return Selector{}, fmt.Errorf("ftdi: bus selector %q must be BUS:<bus>:<addr>", s)
		}
		bus, err1 := strconv.Atoi(parts[0])
		addr, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil {
			return Selector{}, fmt.Errorf("ftdi: bad bus location in selector %q", s)
		}
		return Selector{Kind: SelectBusLocation, Bus: bus, Addr: addr}, nil
	default:
		return Selector{}, fmt.Errorf("ftdi: unknown selector %q", s)
	}
}

func (s Selector) String() string {
	switch s.Kind {
	case SelectSerial:
		return "SN:" + s.Serial
	case SelectIndex:
		return fmt.Sprintf("IDX:%d", s.Index)
	case SelectBusLocation:
		return fmt.Sprintf("BUS:%d:%d", s.Bus, s.Addr)
	default:
		return "auto"
	}
}

// open claims the first device matching the selector among num enumerated
// devices and returns its handle, serial and type.
func (s Selector) open(num int) (d2xx.Handle, string, DevType, error) {
	switch s.Kind {
	case SelectIndex:
		if s.Index >= num {
			return nil, "", 0, fmt.Errorf("ftdi: device index %d out of range (%d devices)", s.Index, num)
		}
		h, e := openDevice(s.Index)
		if e != 0 {
			return nil, "", 0, toErr("Open", e)
		}
		serial, dtype, _ := describe(h)
		return h, serial, dtype, nil

	case SelectSerial:
		return openBySerial(s.Serial, num)

	case SelectBusLocation:
		serial, err := resolveBusLocation(s.Bus, s.Addr)
		if err != nil {
			return nil, "", 0, err
		}
		return openBySerial(serial, num)

	default: // SelectAuto: first FT2232H, else first device.
		var fallback d2xx.Handle
		var fbSerial string
		var fbType DevType
		for i := 0; i < num; i++ {
			h, e := openDevice(i)
			if e != 0 {
				continue
			}
			serial, dtype, _ := describe(h)
			if dtype == DevTypeFT2232H {
				if fallback != nil {
					_ = fallback.Close()
				}
				return h, serial, dtype, nil
			}
			if fallback == nil {
				fallback, fbSerial, fbType = h, serial, dtype
			} else {
				_ = h.Close()
			}
		}
		if fallback == nil {
			return nil, "", 0, fmt.Errorf("ftdi: no openable device")
		}
		return fallback, fbSerial, fbType, nil
	}
}

func openBySerial(serial string, num int) (d2xx.Handle, string, DevType, error) {
	for i := 0; i < num; i++ {
		h, e := openDevice(i)
		if e != 0 {
			// Busy devices belong to other instances.
			continue
		}
		got, dtype, err := describe(h)
		if err == nil && got == serial {
			return h, got, dtype, nil
		}
		_ = h.Close()
	}
	return nil, "", 0, fmt.Errorf("ftdi: no device with serial %q", serial)
}

// describe reads the device type and EEPROM serial number of an open handle.
func describe(h d2xx.Handle) (string, DevType, error) {
	dt, _, _, e := h.GetDeviceInfo()
	if e != 0 {
		return "", 0, toErr("GetDeviceInfo", e)
	}
	dtype := DevType(dt)
	ee := d2xx.EEPROM{Raw: make([]byte, dtype.eepromSize())}
	if e := h.EEPROMRead(uint32(dtype), &ee); e != 0 {
		return "", dtype, toErr("EEPROMRead", e)
	}
	return ee.Serial, dtype, nil
}

// resolveBusLocation maps a USB (bus, address) pair to the device serial
// number via libusb enumeration, since the vendor driver only opens by
// index or serial.
func resolveBusLocation(bus, addr int) (string, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == bus && desc.Address == addr && desc.Vendor == gousb.ID(VendorID)
	})
	for _, d := range devs {
		defer d.Close()
	}
	if len(devs) == 0 {
		if err != nil {
			return "", fmt.Errorf("ftdi: USB enumeration failed: %w", err)
		}
		return "", fmt.Errorf("ftdi: no FTDI device at bus %d address %d", bus, addr)
	}
	serial, err := devs[0].SerialNumber()
	if err != nil {
		return "", fmt.Errorf("ftdi: reading serial at bus %d address %d: %w", bus, addr, err)
	}
	return serial, nil
}

// DeviceInfo describes one enumerated FTDI device.
type DeviceInfo struct {
	Index  int
	Type   DevType
	Serial string
}

// ListDevices enumerates the FTDI devices visible to the driver. Devices
// that cannot be opened (typically because another instance owns them) are
// skipped.
func ListDevices() ([]DeviceInfo, error) {
	num, err := numDevices()
	if err != nil {
		return nil, err
	}
	var out []DeviceInfo
	for i := 0; i < num; i++ {
		h, e := openDevice(i)
		if e != 0 {
			continue
		}
		serial, dtype, _ := describe(h)
		_ = h.Close()
		out = append(out, DeviceInfo{Index: i, Type: dtype, Serial: serial})
	}
	return out, nil
}
