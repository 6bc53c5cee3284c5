package storage

import (
	"sort"

	"vidgate/internal/models"
)

// mergeChecksums upserts declared checksums by part number, keeping the most
// recent declaration for each part, and returns the merged set sorted by part
// number.
func mergeChecksums(existing, incoming []models.PartChecksum) []models.PartChecksum {
	byPart := make(map[int]models.PartChecksum, len(existing)+len(incoming))
	for _, checksum := range existing {
		byPart[checksum.PartNumber] = checksum
	}
	for _, checksum := range incoming {
		byPart[checksum.PartNumber] = checksum
	}
	merged := make([]models.PartChecksum, 0, len(byPart))
	for _, checksum := range byPart {
		merged = append(merged, checksum)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].PartNumber < merged[j].PartNumber })
	return merged
}

func sortedParts(parts []models.UploadedPart) []models.UploadedPart {
	if parts == nil {
		return []models.UploadedPart{}
	}
	sorted := append([]models.UploadedPart(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })
	return sorted
}

func sortedChecksums(checksums []models.PartChecksum) []models.PartChecksum {
	if checksums == nil {
		return []models.PartChecksum{}
	}
	sorted := append([]models.PartChecksum(nil), checksums...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })
	return sorted
}
