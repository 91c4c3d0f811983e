package patch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/wI2L/jsondiff"
)

// Operation names.
const (
	OpAdd     = "add"
	OpRemove  = "remove"
	OpReplace = "replace"
	OpMove    = "move"
	OpCopy    = "copy"
	OpTest    = "test"
)

// Sentinel errors reported through *ApplyError.
var (
	// ErrPathNotFound is returned when an operation path does not resolve
	// against the base snapshot.
	ErrPathNotFound = errors.New("patch: path not found")

	// ErrTypeMismatch is returned when an operation targets a value whose
	// structural shape cannot take it (e.g. a key lookup inside a number).
	ErrTypeMismatch = errors.New("patch: type mismatch")

	// ErrInvalidSnapshot is returned when a snapshot is not valid JSON.
	ErrInvalidSnapshot = errors.New("patch: invalid snapshot")
)

// Null is the canonical snapshot of an absent value.
var Null = []byte("null")

// Operation is a single RFC 6902 edit.
type Operation struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	From  string          `json:"from,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Patch is an ordered list of operations.
type Patch []Operation

// Empty reports whether the patch has no operations.
func (p Patch) Empty() bool {
	return len(p) == 0
}

// String returns the JSON encoding of the patch.
func (p Patch) String() string {
	if len(p) == 0 {
		return "[]"
	}
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Sprintf("patch(%d ops)", len(p))
	}
	return string(b)
}

// ApplyError describes the operation that failed to apply.
type ApplyError struct {
	Index int    // Position of the failing operation
	Op    string // Operation name
	Path  string // Operation path
	Err   error  // ErrPathNotFound or ErrTypeMismatch
	Cause error  // Underlying json-patch error, if any
}

// Error returns the error message.
func (e *ApplyError) Error() string {
	msg := fmt.Sprintf("%v: op %d (%s %q)", e.Err, e.Index, e.Op, e.Path)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes both the classification and the underlying cause.
func (e *ApplyError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// Canonicalize returns the canonical form of a JSON document: compact, keys
// sorted, numbers normalized (see normalizeNumber). An empty input
// canonicalizes to null.
func Canonicalize(data []byte) ([]byte, error) {
	v, err := decode(data)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(normalize(v))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return out, nil
}

// Diff computes the patch transforming old into new. Two structurally
// identical snapshots yield an empty (nil) patch.
func Diff(old, new []byte) (Patch, error) {
	src, err := Canonicalize(old)
	if err != nil {
		return nil, err
	}
	dst, err := Canonicalize(new)
	if err != nil {
		return nil, err
	}
	if bytes.Equal(src, dst) {
		return nil, nil
	}

	ops, err := jsondiff.CompareJSON(src, dst)
	if err != nil {
		return nil, fmt.Errorf("patch: diff: %w", err)
	}
	if len(ops) == 0 {
		return nil, nil
	}

	raw, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("patch: diff: %w", err)
	}
	var p Patch
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("patch: diff: %w", err)
	}
	for i := range p {
		if needsValue(p[i].Op) && len(p[i].Value) == 0 {
			p[i].Value = json.RawMessage(Null)
		}
	}
	return p, nil
}

// Apply applies p to base and returns the resulting canonical snapshot.
// Applying an empty patch returns base unchanged.
func Apply(base []byte, p Patch) ([]byte, error) {
	if len(p) == 0 {
		return base, nil
	}
	doc, err := envelope(base)
	if err != nil {
		return nil, err
	}

	for i, op := range p {
		single, err := json.Marshal(Patch{op.enveloped()})
		if err != nil {
			return nil, &ApplyError{Index: i, Op: op.Op, Path: op.Path, Err: ErrTypeMismatch, Cause: err}
		}
		jp, err := jsonpatch.DecodePatch(single)
		if err != nil {
			return nil, &ApplyError{Index: i, Op: op.Op, Path: op.Path, Err: ErrTypeMismatch, Cause: err}
		}
		out, err := jp.Apply(doc)
		if err != nil {
			return nil, &ApplyError{Index: i, Op: op.Op, Path: op.Path, Err: classify(doc, op), Cause: err}
		}
		doc = out
	}

	var env struct {
		V json.RawMessage `json:"v"`
	}
	if err := json.Unmarshal(doc, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if len(env.V) == 0 {
		return Canonicalize(Null)
	}
	return Canonicalize(env.V)
}

// Equal reports whether two snapshots are structurally equal.
func Equal(a, b []byte) bool {
	ea, err := envelope(a)
	if err != nil {
		return false
	}
	eb, err := envelope(b)
	if err != nil {
		return false
	}
	return jsonpatch.Equal(ea, eb)
}

// Snapshots of any shape (scalars included) are wrapped as {"v": snapshot}
// so json-patch, which only operates on objects and arrays, can replace the
// root.
const envelopeKey = "/v"

func envelope(snapshot []byte) ([]byte, error) {
	canon, err := Canonicalize(snapshot)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(canon)+6)
	buf = append(buf, `{"v":`...)
	buf = append(buf, canon...)
	buf = append(buf, '}')
	return buf, nil
}

func (op Operation) enveloped() Operation {
	out := op
	out.Path = envelopeKey + op.Path
	if op.From != "" || op.Op == OpMove || op.Op == OpCopy {
		out.From = envelopeKey + op.From
	}
	return out
}

// normalize rewrites every number in a decoded document in place.
func normalize(v any) any {
	switch v := v.(type) {
	case map[string]any:
		for k, e := range v {
			v[k] = normalize(e)
		}
	case []any:
		for i, e := range v {
			v[i] = normalize(e)
		}
	case json.Number:
		return normalizeNumber(v)
	}
	return v
}

// normalizeNumber gives numerically equal literals one spelling, so 1, 1.0
// and 1e0 snapshot identically. Integer literals keep their digits, so
// integers beyond float64 precision survive. Other numbers take their
// shortest float64 form, exact integers below 2^53 printed without a
// fraction; literals outside float64 range are kept as written.
func normalizeNumber(n json.Number) json.Number {
	lit := string(n)
	if !strings.ContainsAny(lit, ".eE") {
		if lit == "-0" {
			return "0"
		}
		return n
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return n
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return json.Number(strconv.FormatInt(int64(f), 10))
	}
	return json.Number(strconv.FormatFloat(f, 'g', -1, 64))
}

func needsValue(op string) bool {
	return op == OpAdd || op == OpReplace || op == OpTest
}

func decode(data []byte) (any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalidSnapshot)
	}
	return v, nil
}

// classify decides why op failed against the enveloped doc by walking its
// pointers through the decoded value.
func classify(doc []byte, op Operation) error {
	root, err := decode(doc)
	if err != nil {
		return ErrTypeMismatch
	}
	env, ok := root.(map[string]any)
	if !ok {
		return ErrTypeMismatch
	}
	base := env["v"]

	if op.Op == OpMove || op.Op == OpCopy {
		if err := resolve(base, op.From, false); err != nil {
			return err
		}
	}
	// add only needs the parent to exist
	return resolve(base, op.Path, op.Op == OpAdd)
}

func resolve(base any, pointer string, parentOnly bool) error {
	segs, err := splitPointer(pointer)
	if err != nil {
		return ErrPathNotFound
	}
	cur := base
	for i, seg := range segs {
		last := i == len(segs)-1
		switch c := cur.(type) {
		case map[string]any:
			v, ok := c[seg]
			if !ok {
				if last && parentOnly {
					return ErrTypeMismatch
				}
				return ErrPathNotFound
			}
			cur = v
		case []any:
			if seg == "-" && last && parentOnly {
				return ErrTypeMismatch
			}
			idx, err := strconv.Atoi(seg)
			if err != nil {
				return ErrTypeMismatch
			}
			if idx < 0 || idx >= len(c) {
				if last && parentOnly && idx == len(c) {
					return ErrTypeMismatch
				}
				return ErrPathNotFound
			}
			cur = c[idx]
		default:
			return ErrTypeMismatch
		}
	}
	return ErrTypeMismatch
}

func splitPointer(pointer string) ([]string, error) {
	if pointer == "" {
		return nil, nil
	}
	if !strings.HasPrefix(pointer, "/") {
		return nil, fmt.Errorf("patch: invalid pointer %q", pointer)
	}
	parts := strings.Split(pointer[1:], "/")
	for i, p := range parts {
		p = strings.ReplaceAll(p, "~1", "/")
		parts[i] = strings.ReplaceAll(p, "~0", "~")
	}
	return parts, nil
}
