package harvester

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/knakk/rdf"

	"github.com/jonesrussell/north-cloud/node-index/internal/domain"
)

var errNoEmbeddedTurtle = errors.New("no embedded text/turtle script in HTML")

// wellKnownPredicates maps predicates to the short keys stored in snapshots.
var wellKnownPredicates = map[string]string{
	"http://purl.org/dc/terms/title":                   "title",
	"http://purl.org/dc/terms/description":             "description",
	"http://purl.org/dc/terms/publisher":               "publisher",
	"http://purl.org/dc/terms/license":                 "license",
	"http://purl.org/dc/terms/conformsTo":              "conformsTo",
	"http://purl.org/dc/terms/hasVersion":              "version",
	"http://www.w3.org/2000/01/rdf-schema#label":       "label",
	"http://www.w3.org/1999/02/22-rdf-syntax-ns#type":  "type",
	"http://www.w3.org/ns/dcat#contactPoint":           "contactPoint",
	"https://w3id.org/fdp/fdp-o#metadataIdentifier":    "metadataIdentifier",
	"https://w3id.org/fdp/fdp-o#metadataIssued":        "metadataIssued",
	"https://w3id.org/fdp/fdp-o#metadataModified":      "metadataModified",
	"http://www.re3data.org/schema/3-0#repositoryType": "repositoryType",
}

// parseDocument decodes body according to its content type. HTML pages are
// searched for an embedded Turtle block.
func parseDocument(contentType string, body []byte) ([]rdf.Triple, error) {
	mediaType := ""
	if contentType != "" {
		parsed, _, err := mime.ParseMediaType(contentType)
		if err != nil {
			return nil, fmt.Errorf("content type %q: %w", contentType, err)
		}
		mediaType = parsed
	}

	switch mediaType {
	case "text/html", "application/xhtml+xml":
		turtle, err := embeddedTurtle(body)
		if err != nil {
			return nil, err
		}
		return decode(turtle, rdf.Turtle)
	case "application/n-triples":
		return decode(body, rdf.NTriples)
	case "application/rdf+xml":
		return decode(body, rdf.RDFXML)
	default:
		// Turtle also reads N-Triples, so unknown or missing types use it.
		return decode(body, rdf.Turtle)
	}
}

func decode(body []byte, format rdf.Format) ([]rdf.Triple, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty document")
	}
	triples, err := rdf.NewTripleDecoder(bytes.NewReader(body), format).DecodeAll()
	if err != nil {
		return nil, fmt.Errorf("decode RDF: %w", err)
	}
	return triples, nil
}

func embeddedTurtle(body []byte) ([]byte, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse HTML: %w", err)
	}

	var turtle string
	doc.Find(`script[type="text/turtle"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		turtle = strings.TrimSpace(s.Text())
		return turtle == ""
	})
	if turtle == "" {
		return nil, errNoEmbeddedTurtle
	}
	return []byte(turtle), nil
}

// extractMetadata flattens the triples whose subject is clientURL. Multiple
// values of one predicate are sorted and joined with newlines.
func extractMetadata(triples []rdf.Triple, clientURL string) domain.Metadata {
	identity := strings.TrimRight(clientURL, "/")
	values := make(map[string][]string)

	for _, t := range triples {
		if t.Subj.Type() != rdf.TermIRI || strings.TrimRight(t.Subj.String(), "/") != identity {
			continue
		}
		pred := t.Pred.String()
		key, ok := wellKnownPredicates[pred]
		if !ok {
			key = pred
		}
		values[key] = append(values[key], t.Obj.String())
	}

	if len(values) == 0 {
		return nil
	}

	metadata := make(domain.Metadata, len(values))
	for key, vals := range values {
		sort.Strings(vals)
		metadata[key] = strings.Join(vals, "\n")
	}
	return metadata
}
