package dfxml

import (
	"encoding/xml"
	"errors"
	"io"
)

// Report is a decoded report.
type Report struct {
	Creator     Creator
	Sources     []Source
	FileObjects []FileObject
}

// Read decodes a whole report. Unknown elements are ignored.
func Read(r io.Reader) (*Report, error) {
	dec := xml.NewDecoder(r)
	rep := &Report{}

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return rep, nil
		}
		if err != nil {
			return nil, err
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch start.Name.Local {
		case "creator":
			err = dec.DecodeElement(&rep.Creator, &start)
		case "source":
			var src Source
			if err = dec.DecodeElement(&src, &start); err == nil {
				rep.Sources = append(rep.Sources, src)
			}
		case "fileobject":
			var fo FileObject
			if err = dec.DecodeElement(&fo, &start); err == nil {
				rep.FileObjects = append(rep.FileObjects, fo)
			}
		}
		if err != nil {
			return nil, err
		}
	}
}
