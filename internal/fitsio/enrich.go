package fitsio

import (
	"fmt"
	"io"
	"os"
)

// Enrichment is the observation context stamped into a capture before
// upload.
type Enrichment struct {
	TaskID    string
	Target    string
	Observer  string
	Telescope string
	Filter    string
	Origin    string
	Latitude  float64
	Longitude float64
	Altitude  float64
}

// EnrichFile stamps the enrichment into the file's primary header.
// Returns false without touching the file when the header already
// carries this task id, so re-running the upload stage is a no-op.
func EnrichFile(path string, e Enrichment) (bool, error) {
	hdr, dataStart, err := ReadHeader(path)
	if err != nil {
		return false, err
	}

	if existing, ok := hdr.GetString("TASKID"); ok && existing == e.TaskID {
		return false, nil
	}

	hdr.SetString("TASKID", e.TaskID, "dispatch task id")
	hdr.SetString("OBJECT", e.Target, "target name")
	if e.Observer != "" {
		hdr.SetString("OBSERVER", e.Observer, "")
	}
	if e.Telescope != "" {
		hdr.SetString("TELESCOP", e.Telescope, "")
	}
	if e.Filter != "" {
		hdr.SetString("FILTER", e.Filter, "assigned filter")
	}
	if e.Origin != "" {
		hdr.SetString("ORIGIN", e.Origin, "")
	}
	hdr.SetFloat("SITELAT", e.Latitude, "site latitude, deg")
	hdr.SetFloat("SITELONG", e.Longitude, "site longitude, deg")
	hdr.SetFloat("SITEELEV", e.Altitude, "site elevation, m")

	data, err := readData(path, dataStart)
	if err != nil {
		return false, err
	}
	if err := WriteFile(path, hdr, data); err != nil {
		return false, fmt.Errorf("rewrite %s: %w", path, err)
	}
	return true, nil
}

func readData(path string, offset int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(f)
}

// WriteMinimal creates a smallest-valid FITS file with the given extra
// string keywords. Used by the simulator and tests.
func WriteMinimal(path string, keywords map[string]string) error {
	hdr := &Header{}
	hdr.Set("SIMPLE", "T", "conforms to FITS standard")
	hdr.Set("BITPIX", "8", "")
	hdr.Set("NAXIS", "0", "")
	for k, v := range keywords {
		hdr.SetString(k, v, "")
	}
	return WriteFile(path, hdr, nil)
}
