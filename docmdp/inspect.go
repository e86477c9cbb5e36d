package docmdp

import (
	"errors"
	"fmt"

	"github.com/digitorus/pdf"
	"github.com/mattetti/filebuffer"
)

// ErrUnreadablePDF is returned when content cannot be parsed as a PDF.
var ErrUnreadablePDF = errors.New("unreadable PDF document")

// defaultPermission is the DocMDP P value when TransformParams omits it.
const defaultPermission = 2

// Certification describes the certification signature of a document.
type Certification struct {
	Certified bool
	// Permission is the DocMDP /P value (1, 2 or 3). Zero when uncertified.
	Permission int
}

// AllowsAdditionalSignatures reports whether more signatures may be added
// without invalidating the certification. Only P=1 forbids them.
func (c Certification) AllowsAdditionalSignatures() bool {
	return !c.Certified || c.Permission != 1
}

// Inspect parses content and reads its DocMDP certification, looking first
// at /Root /Perms /DocMDP and then at the signature fields of /AcroForm.
func Inspect(content []byte) (cert Certification, err error) {
	defer func() {
		if r := recover(); r != nil {
			cert = Certification{}
			err = fmt.Errorf("%w: %v", ErrUnreadablePDF, r)
		}
	}()

	rdr, err := pdf.NewReader(filebuffer.New(content), int64(len(content)))
	if err != nil {
		return Certification{}, fmt.Errorf("%w: %v", ErrUnreadablePDF, err)
	}
	root := rdr.Trailer().Key("Root")

	if p, ok := docMDPPermission(root.Key("Perms").Key("DocMDP")); ok {
		return Certification{Certified: true, Permission: p}, nil
	}

	fields := root.Key("AcroForm").Key("Fields")
	for i := 0; i < fields.Len(); i++ {
		if p, ok := docMDPPermission(fields.Index(i).Key("V")); ok {
			return Certification{Certified: true, Permission: p}, nil
		}
	}
	return Certification{}, nil
}

// AllowsAdditionalSignatures is shorthand for Inspect followed by
// Certification.AllowsAdditionalSignatures.
func AllowsAdditionalSignatures(content []byte) (bool, error) {
	c, err := Inspect(content)
	if err != nil {
		return false, err
	}
	return c.AllowsAdditionalSignatures(), nil
}

// docMDPPermission walks the /Reference array of a signature dictionary.
func docMDPPermission(sig pdf.Value) (int, bool) {
	if sig.IsNull() {
		return 0, false
	}
	refs := sig.Key("Reference")
	if refs.Kind() != pdf.Array {
		return 0, false
	}
	for i := 0; i < refs.Len(); i++ {
		ref := refs.Index(i)
		if ref.Key("TransformMethod").Name() != "DocMDP" {
			continue
		}
		perms := defaultPermission
		if params := ref.Key("TransformParams"); !params.IsNull() {
			if p := params.Key("P"); !p.IsNull() {
				perms = int(p.Int64())
			}
		}
		return perms, true
	}
	return 0, false
}
