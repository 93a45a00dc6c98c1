package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證事件的 CRC32 校驗和
// ============================================================================

import (
	"hash/crc32"
	"strconv"
	"strings"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 校驗範圍：Seq + Type + Index + Detail
// 不包含 Timestamp
func CalculateChecksum(e Event) uint32 {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(e.Seq, 10))
	b.WriteByte('|')
	b.WriteString(string(e.Type))
	b.WriteByte('|')
	b.WriteString(e.Index.String())
	b.WriteByte('|')
	b.WriteString(e.Detail)
	return crc32.ChecksumIEEE([]byte(b.String()))
}

// VerifyChecksum 驗證事件的校驗和
func VerifyChecksum(e Event) error {
	if expected := CalculateChecksum(e); expected != e.Checksum {
		return &ChecksumError{Seq: e.Seq, Expected: expected, Actual: e.Checksum}
	}
	return nil
}
