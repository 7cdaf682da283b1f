package knowledge

import (
	"fmt"
	"strings"
	"time"
)

// ChunkMetadata 分块携带的文档元数据
type ChunkMetadata struct {
	DocumentName string    `json:"document_name"`
	DocumentType string    `json:"document_type"`
	UploadedAt   time.Time `json:"uploaded_at"`
	Tags         []string  `json:"tags,omitempty"`
}

// Chunk 表示分块后的文本结构。偏移量是原文中的rune位置，
// 用于后续高亮与溯源，相邻块按固定重叠量衔接，不跳过文本。
type Chunk struct {
	ChunkID     string
	DocumentID  string
	UserID      string
	Content     string
	ChunkIndex  int
	StartOffset int
	EndOffset   int
	Metadata    ChunkMetadata
}

// Chunker 文本分块器
type Chunker struct {
	chunkSize    int
	chunkOverlap int
	minLength    int
}

// NewChunker 创建分块器
func NewChunker(chunkSize, overlap, minLength int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= chunkSize {
		overlap = chunkSize / 4
	}
	if minLength < 0 {
		minLength = 0
	}
	return &Chunker{
		chunkSize:    chunkSize,
		chunkOverlap: overlap,
		minLength:    minLength,
	}
}

// Split 将文本切分为多个chunk。纯函数：无I/O，相同输入产生相同输出。
// ChunkID由documentID和序号确定，重复处理同一文档得到相同的key。
func (c *Chunker) Split(text, documentID, userID string, meta ChunkMetadata) []Chunk {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	step := c.chunkSize - c.chunkOverlap
	if step <= 0 {
		step = c.chunkSize
	}

	var chunks []Chunk
	for start := 0; start < len(runes); start += step {
		end := start + c.chunkSize
		if end > len(runes) {
			end = len(runes)
		}

		content := string(runes[start:end])
		// 过滤近空尾块，避免索引无意义的碎片
		if len([]rune(strings.TrimSpace(content))) >= c.minLength {
			index := len(chunks)
			chunks = append(chunks, Chunk{
				ChunkID:     fmt.Sprintf("%s_%d", documentID, index),
				DocumentID:  documentID,
				UserID:      userID,
				Content:     content,
				ChunkIndex:  index,
				StartOffset: start,
				EndOffset:   end,
				Metadata:    meta,
			})
		}

		// 尾块吸收剩余文本后结束
		if end == len(runes) {
			break
		}
	}

	return chunks
}
