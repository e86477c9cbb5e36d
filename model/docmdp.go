package model

import "fmt"

// DocMdpLevel mirrors the P value in a PDF certification signature's DocMDP
// transform parameters.
type DocMdpLevel int

const (
	DocMdpNotCertified                       DocMdpLevel = 0
	DocMdpCertifiedNoChangesAllowed          DocMdpLevel = 1
	DocMdpCertifiedFormFilling               DocMdpLevel = 2
	DocMdpCertifiedFormFillingAndAnnotations DocMdpLevel = 3
)

func DocMdpLevelFromInt(n int) (DocMdpLevel, error) {
	l := DocMdpLevel(n)
	if l < DocMdpNotCertified || l > DocMdpCertifiedFormFillingAndAnnotations {
		return 0, fmt.Errorf("%w: %d", ErrInvalidDocMdpLevel, n)
	}
	return l, nil
}

func (l DocMdpLevel) IsCertifying() bool {
	return l != DocMdpNotCertified
}

func (l DocMdpLevel) Label() string {
	switch l {
	case DocMdpNotCertified:
		return "Not certified"
	case DocMdpCertifiedNoChangesAllowed:
		return "No changes allowed"
	case DocMdpCertifiedFormFilling:
		return "Form filling"
	case DocMdpCertifiedFormFillingAndAnnotations:
		return "Form filling and annotations"
	default:
		return "Unknown"
	}
}

func (l DocMdpLevel) Description() string {
	switch l {
	case DocMdpNotCertified:
		return "The document is signed without certification; later signatures and changes are allowed."
	case DocMdpCertifiedNoChangesAllowed:
		return "Any change to the document after certification, including further signatures, invalidates it."
	case DocMdpCertifiedFormFilling:
		return "Only form filling, page template instantiation and additional signatures are allowed."
	case DocMdpCertifiedFormFillingAndAnnotations:
		return "Form filling, additional signatures and annotation changes are allowed."
	default:
		return ""
	}
}
