//go:build linux

package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// sysfsPWM drives one hardware PWM channel through /sys/class/pwm.
//
// On Raspberry Pi the drive pins need `dtoverlay=pwm-2chan` (or an equivalent
// overlay) before the channels show up.
type sysfsPWM struct {
	chipPath string // /sys/class/pwm/pwmchipN
	pwmPath  string // /sys/class/pwm/pwmchipN/pwmM
	channel  int

	periodNS uint64
	enabled  bool
}

var pwmSysfsBase = "/sys/class/pwm"

var exportTimeout = 500 * time.Millisecond

func openSysfsPWM(ch PWMChannel) (*sysfsPWM, error) {
	chip := strings.TrimSpace(ch.Chip)
	if chip == "" {
		chip = "pwmchip0"
	}
	if !strings.HasPrefix(chip, "pwmchip") {
		return nil, fmt.Errorf("platform: invalid pwm chip %q", ch.Chip)
	}
	chipPath := filepath.Join(pwmSysfsBase, chip)
	n, err := readInt(filepath.Join(chipPath, "npwm"))
	if err != nil {
		return nil, fmt.Errorf("platform: %s: %w", chip, err)
	}
	if ch.Channel < 0 || ch.Channel >= n {
		return nil, fmt.Errorf("platform: %s has %d channels, want channel %d", chip, n, ch.Channel)
	}

	d := &sysfsPWM{
		chipPath: chipPath,
		channel:  ch.Channel,
		pwmPath:  filepath.Join(chipPath, fmt.Sprintf("pwm%d", ch.Channel)),
	}
	if err := d.ensureExported(); err != nil {
		return nil, err
	}
	if err := d.writeBool("enable", false); err != nil {
		return nil, fmt.Errorf("platform: disable pwm: %w", err)
	}
	return d, nil
}

func (d *sysfsPWM) ensureExported() error {
	if _, err := os.Stat(d.pwmPath); err == nil {
		return nil
	}
	exportPath := filepath.Join(d.chipPath, "export")
	if err := writeSysfs(exportPath, strconv.Itoa(d.channel)); err != nil {
		// Already exported by someone else.
		if _, statErr := os.Stat(d.pwmPath); statErr == nil {
			return nil
		}
		return fmt.Errorf("platform: export pwm: %w", err)
	}

	deadline := time.Now().Add(exportTimeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(d.pwmPath); err == nil {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := os.Stat(d.pwmPath); err != nil {
		return fmt.Errorf("platform: pwm path not created after export: %w", err)
	}
	return nil
}

func (d *sysfsPWM) SetFrequencyHz(hz int) error {
	if hz <= 0 {
		return fmt.Errorf("platform: invalid pwm frequency %d", hz)
	}
	periodNS := uint64(1_000_000_000 / hz)
	if periodNS == 0 {
		periodNS = 1
	}
	if periodNS == d.periodNS {
		return nil
	}

	// The kernel rejects a period shorter than the current duty cycle.
	_ = d.writeBool("enable", false)
	d.enabled = false
	if err := d.writeUint("duty_cycle", 0); err != nil {
		return err
	}
	if err := d.writeUint("period", periodNS); err != nil {
		return err
	}
	d.periodNS = periodNS
	return nil
}

// SetIntensity sets the duty cycle to intensity/255 of the period and enables
// the channel.
func (d *sysfsPWM) SetIntensity(intensity uint8) error {
	if d.periodNS == 0 {
		return fmt.Errorf("platform: pwm period not set")
	}
	duty := d.periodNS * uint64(intensity) / dutyRange
	if err := d.writeUint("duty_cycle", duty); err != nil {
		return err
	}
	if !d.enabled {
		if err := d.writeBool("enable", true); err != nil {
			return err
		}
		d.enabled = true
	}
	return nil
}

// Close leaves the output low and disabled.
func (d *sysfsPWM) Close() error {
	err := d.writeUint("duty_cycle", 0)
	if derr := d.writeBool("enable", false); err == nil {
		err = derr
	}
	d.enabled = false
	return err
}

func (d *sysfsPWM) writeUint(name string, v uint64) error {
	return writeSysfs(filepath.Join(d.pwmPath, name), strconv.FormatUint(v, 10))
}

func (d *sysfsPWM) writeBool(name string, v bool) error {
	val := "0"
	if v {
		val = "1"
	}
	return writeSysfs(filepath.Join(d.pwmPath, name), val)
}

var sysfsRetryWindow = 2 * time.Second

// writeSysfs opens without O_TRUNC/O_CREATE (some attributes reject them) and
// retries briefly on EACCES/ENOENT, which udev produces right after export
// while it fixes up permissions.
func writeSysfs(path string, value string) error {
	deadline := time.Now().Add(sysfsRetryWindow)
	for {
		f, err := os.OpenFile(path, os.O_WRONLY, 0)
		if err == nil {
			_, err = f.WriteString(value)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
		}
		if err == nil {
			return nil
		}
		if time.Now().Before(deadline) && isRetryableSysfsErr(err) {
			time.Sleep(25 * time.Millisecond)
			continue
		}
		return err
	}
}

func isRetryableSysfsErr(err error) bool {
	return os.IsPermission(err) || os.IsNotExist(err) || errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.ENOENT)
}

func readInt(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, fmt.Errorf("%s is empty", path)
	}
	return strconv.Atoi(s)
}
