package scan

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"lfingest/pkg/log"
	"lfingest/pkg/models"
)

// ArchiveStatus is the structural verdict of the integrity check.
type ArchiveStatus string

const (
	ArchiveOK                  ArchiveStatus = "OK"
	ArchiveBrokenOrTruncated   ArchiveStatus = "BROKEN_OR_TRUNCATED"
	ArchiveBrokenOrUnsupported ArchiveStatus = "BROKEN_OR_UNSUPPORTED"
	ArchiveEncrypted           ArchiveStatus = "ENCRYPTED"
)

// CheckStatus maps the archive verdict to the file check status.
func (a ArchiveStatus) CheckStatus() models.CheckStatus {
	switch a {
	case ArchiveBrokenOrTruncated:
		return models.CheckBrokenTruncated
	case ArchiveBrokenOrUnsupported:
		return models.CheckBrokenUnsupported
	case ArchiveEncrypted:
		return models.CheckEncrypted
	default:
		return models.CheckOK
	}
}

// ArchiveTool lists and tests archives with an external program.
type ArchiveTool interface {
	List(ctx context.Context, path string) ToolResult
	Test(ctx context.Context, path string) ToolResult
}

// dummyPassword makes 7z fail on encrypted content instead of prompting.
const dummyPassword = "lfingest-no-password"

// SevenZip runs the 7z binary.
type SevenZip struct {
	Binary      string
	ListTimeout time.Duration
	TestTimeout time.Duration
	OutputLimit int
}

// List runs `7z l -slt` on path.
func (z *SevenZip) List(ctx context.Context, path string) ToolResult {
	return runTool(ctx, z.ListTimeout, z.OutputLimit, z.Binary, "l", "-slt", "-p"+dummyPassword, "--", path)
}

// Test runs `7z t` on path.
func (z *SevenZip) Test(ctx context.Context, path string) ToolResult {
	return runTool(ctx, z.TestTimeout, z.OutputLimit, z.Binary, "t", "-bd", "-p"+dummyPassword, "--", path)
}

var (
	passwordSignatures = []string{
		"wrong password",
		"can not open encrypted archive",
		"cannot open encrypted archive",
		"data error in encrypted file",
		"enter password",
	}
	headerSignatures = []string{
		"headers error",
		"header error",
		"unexpected end of archive",
		"unexpected end of data",
		"crc failed",
		"data error",
	}
	missingVolumeSignatures = []string{
		"missing volume",
		"unavailable data",
	}

	multiVolumeName = regexp.MustCompile(`(?i)(\.part\d+\.rar|\.7z\.\d{3}|\.z\d{2}|\.r\d{2})$`)
)

var archiveExtensions = map[string]struct{}{
	".zip": {}, ".7z": {}, ".rar": {}, ".tar": {}, ".gz": {}, ".tgz": {}, ".bz2": {}, ".tbz2": {},
	".xz": {}, ".txz": {}, ".zst": {}, ".lz": {}, ".lzma": {}, ".cab": {}, ".arj": {}, ".lzh": {},
	".iso": {}, ".z": {},
}

var archiveMIMETypes = map[string]struct{}{
	"application/zip":                   {},
	"application/x-7z-compressed":       {},
	"application/x-rar-compressed":      {},
	"application/vnd.rar":               {},
	"application/x-tar":                 {},
	"application/gzip":                  {},
	"application/x-bzip2":               {},
	"application/x-xz":                  {},
	"application/zstd":                  {},
	"application/x-lzip":                {},
	"application/vnd.ms-cab-compressed": {},
	"application/x-iso9660-image":       {},
}

// IsArchive reports whether a file should go through the archive tool.
func IsArchive(fileName, mimeType string) bool {
	if multiVolumeName.MatchString(fileName) {
		return true
	}
	if _, ok := archiveExtensions[strings.ToLower(filepath.Ext(fileName))]; ok {
		return true
	}
	base, _, _ := strings.Cut(mimeType, ";")
	_, ok := archiveMIMETypes[strings.TrimSpace(base)]
	return ok
}

// IsMultiVolume reports whether the name looks like one volume of a split archive.
func IsMultiVolume(fileName string) bool {
	return multiVolumeName.MatchString(fileName)
}

func containsAny(output string, signatures []string) bool {
	lower := strings.ToLower(output)
	for _, signature := range signatures {
		if strings.Contains(lower, signature) {
			return true
		}
	}
	return false
}

// IntegrityScanner classifies archives as intact, broken or encrypted.
type IntegrityScanner struct {
	tool ArchiveTool
}

// NewIntegrityScanner creates a scanner on tool.
func NewIntegrityScanner(tool ArchiveTool) *IntegrityScanner {
	return &IntegrityScanner{tool: tool}
}

// Inspect checks the file at path. fileName is the client name, used for
// extension and multi-volume detection since the stored path has neither.
func (s *IntegrityScanner) Inspect(ctx context.Context, path, fileName, mimeType string) ArchiveStatus {
	if !IsArchive(fileName, mimeType) {
		return ArchiveOK
	}

	if status, conclusive := classifyListing(s.tool.List(ctx, path), fileName); conclusive {
		log.Debug().Str("file_name", fileName).Str("status", string(status)).Msg("Archive classified by listing")
		return status
	}

	status := classifyTest(s.tool.Test(ctx, path))
	log.Debug().Str("file_name", fileName).Str("status", string(status)).Msg("Archive classified by test")
	return status
}

// classifyListing returns the verdict of the listing phase and whether it is final.
func classifyListing(result ToolResult, fileName string) (ArchiveStatus, bool) {
	if result.InfrastructureFailure() {
		log.Warn().Str("file_name", fileName).Bool("timed_out", result.TimedOut).
			Bool("overflow", result.Overflow).Msg("Archive listing inconclusive")
		return "", false
	}

	if result.ExitCode != 0 {
		headerError := containsAny(result.Output, headerSignatures)
		switch {
		case headerError && (IsMultiVolume(fileName) || containsAny(result.Output, missingVolumeSignatures)):
			return ArchiveBrokenOrTruncated, true
		case containsAny(result.Output, passwordSignatures):
			return ArchiveEncrypted, true
		case headerError:
			return ArchiveBrokenOrTruncated, true
		default:
			return ArchiveBrokenOrUnsupported, true
		}
	}

	if strings.Contains(result.Output, "Encrypted = +") {
		return ArchiveEncrypted, true
	}
	return "", false
}

func classifyTest(result ToolResult) ArchiveStatus {
	switch {
	case strings.Contains(result.Output, "Unsupported Method"):
		return ArchiveOK
	case result.InfrastructureFailure():
		return ArchiveOK
	case result.ExitCode == 0:
		return ArchiveOK
	case containsAny(result.Output, passwordSignatures):
		return ArchiveEncrypted
	case containsAny(result.Output, headerSignatures):
		return ArchiveBrokenOrTruncated
	default:
		return ArchiveOK
	}
}
