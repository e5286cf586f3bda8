package protocol

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	merrors "github.com/iwtcode/microscopeAdapter/errors"
)

// ParseNumeric разбирает целое со знаком и ведущими нулями ("+001234").
func ParseNumeric(payload []byte) (int64, error) {
	s := strings.TrimSpace(string(payload))
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, merrors.New(merrors.KindMalformedResponse, "parse numeric", err)
	}
	return v, nil
}

// ParseFloat разбирает дробное число.
func ParseFloat(payload []byte) (float64, error) {
	s := strings.TrimSpace(string(payload))
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, merrors.New(merrors.KindMalformedResponse, "parse float", err)
	}
	return v, nil
}

// FieldKind — ожидаемый тип поля записи.
type FieldKind int

const (
	FieldInt FieldKind = iota
	FieldFloat
	FieldString
)

// Record — разобранная многопольная запись.
type Record []Arg

// Int возвращает i-е поле как целое.
func (r Record) Int(i int) int64 {
	return r[i].AsInt()
}

// Float возвращает i-е поле как дробное.
func (r Record) Float(i int) float64 {
	return r[i].AsFloat()
}

// String возвращает i-е поле как текст.
func (r Record) String(i int) string {
	return r[i].String()
}

// ParseRecord делит payload по любому из символов sep и приводит поля к
// типам fields. Полей должно быть не меньше, чем описано; лишние
// отбрасываются. Короткая запись дает KindMalformedResponse.
func ParseRecord(payload []byte, sep string, fields ...FieldKind) (Record, error) {
	tokens := splitFields(string(payload), sep)
	if len(tokens) < len(fields) {
		return nil, merrors.Newf(merrors.KindMalformedResponse, "parse record",
			"expected %d fields, got %d in %q", len(fields), len(tokens), payload)
	}

	rec := make(Record, len(fields))
	for i, kind := range fields {
		tok := tokens[i]
		switch kind {
		case FieldInt:
			v, err := strconv.ParseInt(tok, 10, 64)
			if err != nil {
				return nil, merrors.Newf(merrors.KindMalformedResponse, "parse record", "field %d: %v", i, err)
			}
			rec[i] = IntArg(v)
		case FieldFloat:
			v, err := strconv.ParseFloat(tok, 64)
			if err != nil {
				return nil, merrors.Newf(merrors.KindMalformedResponse, "parse record", "field %d: %v", i, err)
			}
			rec[i] = FloatArg(v)
		default:
			rec[i] = StringArg(tok)
		}
	}
	return rec, nil
}

// splitFields делит строку по символам sep. Запятая и другие видимые
// разделители сохраняют пустые поля ("a,,b" дает три поля); пробельные
// символы из sep разделяют поля внутри них, и их серии считаются одним
// разделителем. Пустые поля в конце строки отбрасываются.
func splitFields(s string, sep string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	hard := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, sep)
	soft := strings.ContainsFunc(sep, unicode.IsSpace)

	var out []string
	for _, p := range splitAny(s, hard) {
		p = strings.TrimSpace(p)
		if soft && p != "" {
			out = append(out, strings.Fields(p)...)
			continue
		}
		out = append(out, p)
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return out
}

func splitAny(s, sep string) []string {
	if sep == "" {
		return []string{s}
	}
	var parts []string
	start := 0
	for i, r := range s {
		if strings.ContainsRune(sep, r) {
			parts = append(parts, s[start:i])
			start = i + utf8.RuneLen(r)
		}
	}
	return append(parts, s[start:])
}
