package parser

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// =============================================================================
// HEADER DETECTION - confidence scoring that the first row is a header
// =============================================================================

// MinHeaderConfidence is the acceptance threshold for header detection.
const MinHeaderConfidence = 0.6

// knownHeaderAliases maps canonical field names to header spellings
// seen in the wild.
var knownHeaderAliases = map[string][]string{
	"name":          {"name", "full_name", "fullname", "姓名", "名字"},
	"phone":         {"phone", "phone_number", "mobile", "telephone", "tel", "手机", "手机号", "电话"},
	"date":          {"date", "birth_date", "birthdate", "register_date", "日期"},
	"province":      {"province", "state", "省", "省份"},
	"city":          {"city", "市", "城市"},
	"district":      {"district", "county", "区", "区县"},
	"addressdetail": {"addressdetail", "address_detail", "address", "地址", "详细地址"},
	"id_number":     {"id_number", "idnumber", "id_card", "身份证", "身份证号"},
	"email":         {"email", "email_address", "mail", "邮箱"},
}

var phonePattern = regexp.MustCompile(`^1[3-9]\d{9}$`)

// HeaderDetectionResult reports the outcome of header analysis.
type HeaderDetectionResult struct {
	HasHeaders      bool     `json:"hasHeaders"`
	Confidence      float64  `json:"confidence"`
	Headers         []string `json:"headers"`
	TotalColumns    int      `json:"totalColumns"`
	RejectionReason string   `json:"rejectionReason,omitempty"`
}

// DetectHeaders reads the start of a CSV stream and scores whether the
// first row is a header. Uploads with no recognizable header row are
// rejected before a job is created.
func DetectHeaders(reader io.Reader) (*HeaderDetectionResult, error) {
	bufReader := bufio.NewReader(reader)
	if peeked, err := bufReader.Peek(3); err == nil && string(peeked) == string(utf8BOM) {
		bufReader.Discard(3)
	}

	csvReader := csv.NewReader(bufReader)
	csvReader.FieldsPerRecord = -1
	csvReader.LazyQuotes = true
	csvReader.TrimLeadingSpace = true

	firstRow, err := csvReader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, ErrEmptyFile
		}
		return nil, fmt.Errorf("%w: %v", ErrCorruptedStructure, err)
	}
	if isBlankRecord(firstRow) {
		return nil, ErrEmptyFile
	}

	var sampleRows [][]string
	for i := 0; i < 5; i++ {
		row, err := csvReader.Read()
		if err != nil {
			break
		}
		sampleRows = append(sampleRows, row)
	}

	result := &HeaderDetectionResult{
		Headers:      firstRow,
		TotalColumns: len(firstRow),
	}

	// Weighted blend: known names dominate, data-shape checks refine.
	score := 0.5*scoreKnownHeaders(firstRow) +
		0.3*scoreDataShape(firstRow, sampleRows) +
		0.2*scoreNonNumericHeader(firstRow)

	result.Confidence = score
	result.HasHeaders = score >= MinHeaderConfidence
	if !result.HasHeaders {
		result.RejectionReason = fmt.Sprintf(
			"no headers detected (confidence %.0f%%): the first row looks like data, not column names",
			score*100)
	}
	return result, nil
}

func normalizeHeader(header string) string {
	normalized := strings.ToLower(strings.TrimSpace(header))
	normalized = strings.ReplaceAll(normalized, " ", "_")
	normalized = strings.ReplaceAll(normalized, "-", "_")
	return normalized
}

func scoreKnownHeaders(headers []string) float64 {
	if len(headers) == 0 {
		return 0
	}
	matched := 0
	for _, header := range headers {
		normalized := normalizeHeader(header)
		for _, aliases := range knownHeaderAliases {
			for _, alias := range aliases {
				if normalized == alias {
					matched++
				}
			}
		}
	}
	return float64(matched) / float64(len(headers))
}

// scoreDataShape checks for value shapes (phone numbers, pure numbers)
// that appear in data rows but not in the first row.
func scoreDataShape(firstRow []string, sampleRows [][]string) float64 {
	if len(sampleRows) == 0 {
		return 0.5
	}
	different := 0
	for col := range firstRow {
		headerLooksLikeData := looksLikeDataCell(firstRow[col])
		dataCells := 0
		for _, row := range sampleRows {
			if col < len(row) && looksLikeDataCell(row[col]) {
				dataCells++
			}
		}
		if !headerLooksLikeData && dataCells >= len(sampleRows)/2 {
			different++
		}
	}
	return float64(different) / float64(len(firstRow))
}

func looksLikeDataCell(cell string) bool {
	cell = strings.TrimSpace(cell)
	if phonePattern.MatchString(cell) {
		return true
	}
	return cell != "" && isNumericString(cell)
}

func scoreNonNumericHeader(headers []string) float64 {
	numeric := 0
	for _, cell := range headers {
		if isNumericString(strings.TrimSpace(cell)) {
			numeric++
		}
	}
	if len(headers) > 0 && float64(numeric)/float64(len(headers)) > 0.5 {
		return 0 // mostly numbers: almost certainly data
	}
	return 0.7
}

func isNumericString(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && c != '.' && c != '-' && c != '+' {
			return false
		}
	}
	return true
}
