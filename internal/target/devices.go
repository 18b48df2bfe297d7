package target

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/iapboot/internal/config"
	"github.com/bigbag/iapboot/internal/flash"
	"github.com/bigbag/iapboot/internal/ota"
)

// EEPROMSize is the size of the record device (a 24C02).
const EEPROMSize = 256

// Devices are the storage devices of one simulated board.
type Devices struct {
	Layout   flash.Layout
	Internal flash.Storage
	External flash.Storage
	EEPROM   flash.Storage

	closers []io.Closer
}

// OpenDevices opens the image files named in st, creating missing files
// filled with erased bytes. An empty path gives an in-memory device.
func OpenDevices(st config.Storage, layout flash.Layout) (*Devices, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}

	d := &Devices{Layout: layout}
	images := []struct {
		path string
		size int64
		dst  *flash.Storage
	}{
		{st.InternalImage, int64(layout.PageCount * layout.PageSize), &d.Internal},
		{st.ExternalImage, layout.ExternalSize(), &d.External},
		{st.EEPROMImage, EEPROMSize, &d.EEPROM},
	}

	for _, img := range images {
		if img.path == "" {
			*img.dst = flash.NewBuffer(int(img.size))
			continue
		}
		f, err := openImage(img.path, img.size)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.closers = append(d.closers, f)
		*img.dst = f
	}

	return d, nil
}

func openImage(path string, size int64) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat image: %w", err)
	}
	if info.Size() < size {
		fill := bytes.Repeat([]byte{flash.Erased}, int(size-info.Size()))
		if _, err := f.WriteAt(fill, info.Size()); err != nil {
			f.Close()
			return nil, fmt.Errorf("extend image %s: %w", path, err)
		}
	}
	return f, nil
}

// Close closes any image files.
func (d *Devices) Close() error {
	var errs []error
	for _, c := range d.closers {
		errs = append(errs, c.Close())
	}
	d.closers = nil
	return errors.Join(errs...)
}

// Program returns the program flash model over the internal image.
func (d *Devices) Program() *flash.Internal {
	return flash.NewInternal(d.Internal, d.Layout)
}

// Store returns the record store on the EEPROM.
func (d *Devices) Store() *ota.Store {
	return ota.NewStore(d.EEPROM, 0)
}

// Regions returns a region manager over the board's flash.
func (d *Devices) Regions(log logrus.FieldLogger) *flash.Manager {
	return flash.NewManager(d.Layout, d.Program(), d.External, log)
}

// StageUpdate does what a running application does after downloading an
// update: it writes image to slot 0, records its length and sets the update
// flag so the loader installs it on the next boot. The image is padded with
// erased bytes to the commit granularity.
func StageUpdate(d *Devices, image []byte) (ota.Record, error) {
	if len(image) == 0 {
		return ota.Record{}, errors.New("empty image")
	}
	padded := image
	if rem := len(image) % flash.CommitGranularity; rem != 0 {
		padded = append(append([]byte(nil), image...), bytes.Repeat([]byte{flash.Erased}, flash.CommitGranularity-rem)...)
	}
	if len(padded) > d.Layout.SlotSize {
		return ota.Record{}, &flash.RangeError{Region: "slot 0", Length: len(padded), Limit: int64(d.Layout.SlotSize)}
	}

	if _, err := d.External.WriteAt(padded, 0); err != nil {
		return ota.Record{}, &flash.StorageError{Op: "write", Err: err}
	}

	store := d.Store()
	rec, err := store.Load()
	if err != nil {
		return rec, fmt.Errorf("load record: %w", err)
	}
	if err := rec.SetSlotLength(0, uint32(len(padded))); err != nil {
		return rec, err
	}
	rec.Flag = ota.UpdateFlag
	if err := store.Save(&rec); err != nil {
		return rec, fmt.Errorf("save record: %w", err)
	}
	return rec, nil
}
