// Package rawhttp turns requests and responses into the raw HTTP text kept in the journal.
package rawhttp

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/beevik/etree"
	"github.com/gabriel-vasile/mimetype"
	"github.com/yosssi/gohtml"
)

// ErrUnsupportedEncoding is returned by DecodeBody for content encodings it cannot decode
var ErrUnsupportedEncoding = errors.New("unsupported content encoding")

// prettifier returns the indented body and true, or false when body is not its format
type prettifier func(body []byte) ([]byte, bool, error)

var prettifiers = []prettifier{prettifyJSON, prettifyXML, prettifyHTML}

// Prettify indents JSON, XML and HTML bodies, tried in that order.
// Anything else, including an empty body, gives an empty slice.
func Prettify(body []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return []byte{}, nil
	}
	for _, prettify := range prettifiers {
		output, ok, err := prettify(trimmed)
		if err != nil {
			return []byte{}, err
		}
		if ok {
			return output, nil
		}
	}
	return []byte{}, nil
}

func prettifyJSON(body []byte) ([]byte, bool, error) {
	var value any
	if err := json.Unmarshal(body, &value); err != nil {
		return nil, false, nil
	}
	output, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return nil, false, fmt.Errorf("remarshalling JSON : %w", err)
	}
	return output, true, nil
}

func prettifyXML(body []byte) ([]byte, bool, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil || doc.Root() == nil {
		return nil, false, nil
	}
	doc.Indent(1)
	var output bytes.Buffer
	if _, err := doc.WriteTo(&output); err != nil {
		return nil, false, fmt.Errorf("writing indented XML : %w", err)
	}
	return output.Bytes(), true, nil
}

// prettifyHTML accepts anything mimetype calls HTML, and markup fragments that are not XML
func prettifyHTML(body []byte) ([]byte, bool, error) {
	isHTML := strings.Contains(mimetype.Detect(body).String(), "text/html")
	isMarkup := bytes.HasPrefix(body, []byte("<")) && !bytes.HasPrefix(body, []byte("<?xml"))
	if !isHTML && !isMarkup {
		return nil, false, nil
	}
	output := gohtml.FormatBytes(body)
	if len(output) == 0 || bytes.Equal(output, body) {
		return nil, false, nil
	}
	return output, true, nil
}

// DecodeBody decodes body according to the Content-Encoding value.
// Identity and empty encodings return body unchanged.
func DecodeBody(encoding string, body []byte) ([]byte, error) {
	var reader io.Reader
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return body, nil
	case "gzip", "x-gzip":
		gzipReader, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("creating gzip reader : %w", err)
		}
		defer gzipReader.Close()
		reader = gzipReader
	case "br":
		reader = brotli.NewReader(bytes.NewReader(body))
	default:
		return nil, fmt.Errorf("%w : %s", ErrUnsupportedEncoding, encoding)
	}

	decoded, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading %s content : %w", encoding, err)
	}
	return decoded, nil
}

// drainBody reads body and returns its bytes together with a fresh reader over them
func drainBody(body io.ReadCloser) ([]byte, io.ReadCloser, error) {
	if body == nil || body == http.NoBody {
		return nil, body, nil
	}
	content, err := io.ReadAll(body)
	if err != nil {
		return nil, body, err
	}
	body.Close()
	return content, io.NopCloser(bytes.NewReader(content)), nil
}

// assemble joins the header dump with the body, and with the prettified body when there is one
func assemble(head []byte, body []byte) ([]byte, string) {
	raw := make([]byte, 0, len(head)+len(body))
	raw = append(append(raw, head...), body...)

	pretty, err := Prettify(body)
	if err != nil || len(pretty) == 0 {
		return raw, ""
	}
	return raw, string(head) + string(pretty)
}

// DumpRequest dumps req, headers and body, and resets the body so it can still be sent.
// Returns the full dump and the prettified dump, empty when the body could not be prettified.
func DumpRequest(req *http.Request) (rawDump []byte, prettyDump string, err error) {
	head, err := httputil.DumpRequest(req, false)
	if err != nil {
		return []byte{}, "", fmt.Errorf("dumping request : %w", err)
	}

	body, reset, err := drainBody(req.Body)
	if err != nil {
		return []byte{}, "", fmt.Errorf("reading request body : %w", err)
	}
	req.Body = reset

	rawDump, prettyDump = assemble(head, body)
	return rawDump, prettyDump, nil
}

// DumpResponse dumps res and resets the body so it can still be consumed.
// The dump carries the decoded body (Content-Encoding removed, Content-Length updated)
// while res keeps the body exactly as it arrived. Bodies that fail to decode are dumped as is.
func DumpResponse(res *http.Response) (rawDump []byte, prettyDump string, err error) {
	body, reset, err := drainBody(res.Body)
	if err != nil {
		return []byte{}, "", fmt.Errorf("reading response body : %w", err)
	}
	res.Body = reset

	dumped := *res
	dumped.Header = res.Header.Clone()
	dumped.Body = nil
	if encoding := res.Header.Get("Content-Encoding"); encoding != "" && len(body) > 0 {
		if decoded, err := DecodeBody(encoding, body); err == nil {
			body = decoded
			dumped.Header.Del("Content-Encoding")
			dumped.Header.Set("Content-Length", strconv.Itoa(len(decoded)))
			dumped.ContentLength = int64(len(decoded))
		}
	}

	head, err := httputil.DumpResponse(&dumped, false)
	if err != nil {
		return []byte{}, "", fmt.Errorf("dumping response : %w", err)
	}

	rawDump, prettyDump = assemble(head, body)
	return rawDump, prettyDump, nil
}
