package api

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/astrimbu/pulse/internal/storage"
)

const (
	formatJSON = "json"
	formatCSV  = "csv"
)

// exportMoistureCSV writes history points as created_at,moisture_level rows
func exportMoistureCSV(w io.Writer, points []storage.MoisturePoint) error {
	writer := csv.NewWriter(w)

	if err := writer.Write([]string{"created_at", "moisture_level"}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for _, p := range points {
		row := []string{
			p.CreatedAt.UTC().Format(time.RFC3339),
			strconv.FormatFloat(p.MoistureLevel, 'f', -1, 64),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}

	writer.Flush()
	return writer.Error()
}
