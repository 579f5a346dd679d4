// Package report 导出花名册、围栏区域和告警记录为 xlsx。
package report

import (
	"bytes"
	"fmt"
	"time"

	"github.com/Mhacccc/tracking-app/internal/models"
	"github.com/Mhacccc/tracking-app/internal/notify"

	"github.com/xuri/excelize/v2"
)

const (
	SheetRoster = "Roster"
	SheetZones  = "Geofences"
	SheetAlerts = "Alerts"
)

// RosterHeader 花名册表头
var RosterHeader = []string{"ID", "Name", "Online", "Device On", "SOS", "Battery (%)", "Pulse Rate", "Latitude", "Longitude", "Address", "Last Seen"}

// ZoneHeader 围栏表头
var ZoneHeader = []string{"ID", "Name", "Type", "Latitude", "Longitude", "Radius (m)"}

// AlertHeader 告警表头
var AlertHeader = []string{"ID", "Title", "Message", "Time", "Unread"}

// Data 报表内容；Addresses 为 entity id -> 地址（可选）
type Data struct {
	GeneratedAt time.Time
	Entities    []models.TrackedEntity
	Zones       []models.GeofenceZone
	Alerts      []notify.AlertRecord
	Addresses   map[string]string
}

// BuildReport 生成 xlsx
func BuildReport(data Data) ([]byte, error) {
	f := excelize.NewFile()
	// WriteTo 需要文件保持打开，出错时再 Close

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	rosterRows := make([][]any, 0, len(data.Entities))
	for _, e := range data.Entities {
		var lat, lng, pulse, lastSeen any
		if e.Position != nil {
			lat, lng = e.Position.Lat, e.Position.Lng
		}
		if e.PulseRate != nil {
			pulse = *e.PulseRate
		}
		if e.LastSeen != nil {
			lastSeen = e.LastSeen.UTC().Format("2006-01-02 15:04:05")
		}
		rosterRows = append(rosterRows, []any{
			e.ID, e.Name, yesNo(e.Online), yesNo(e.DeviceOn), yesNo(e.SOS), e.Battery,
			pulse, lat, lng, data.Addresses[e.ID], lastSeen,
		})
	}

	zoneRows := make([][]any, 0, len(data.Zones))
	for _, z := range data.Zones {
		zoneRows = append(zoneRows, []any{z.ID, z.Name, z.Type, z.Center.Lat, z.Center.Lng, z.Radius})
	}

	alertRows := make([][]any, 0, len(data.Alerts))
	for _, a := range data.Alerts {
		alertRows = append(alertRows, []any{a.ID.String(), a.Title, a.Message, a.Time, yesNo(a.Unread)})
	}

	sheets := []struct {
		name   string
		header []string
		rows   [][]any
	}{
		{SheetRoster, RosterHeader, rosterRows},
		{SheetZones, ZoneHeader, zoneRows},
		{SheetAlerts, AlertHeader, alertRows},
	}
	for i, s := range sheets {
		if i == 0 {
			if err := f.SetSheetName("Sheet1", s.name); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to rename sheet: %w", err)
			}
		} else if _, err := f.NewSheet(s.name); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to create sheet %s: %w", s.name, err)
		}
		if err := writeSheet(f, s.name, s.header, s.rows, headerStyle); err != nil {
			f.Close()
			return nil, err
		}
	}
	f.SetActiveSheet(0)

	if !data.GeneratedAt.IsZero() {
		if err := f.SetDocProps(&excelize.DocProperties{
			Title:   "Bracelet roster report",
			Created: data.GeneratedAt.UTC().Format(time.RFC3339),
		}); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set properties: %w", err)
		}
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write to buffer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}
	return buf.Bytes(), nil
}

func writeSheet(f *excelize.File, sheet string, header []string, rows [][]any, headerStyle int) error {
	for col, h := range header {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
	}
	last, err := excelize.CoordinatesToCellName(len(header), 1)
	if err != nil {
		return fmt.Errorf("failed to convert coordinates: %w", err)
	}
	if err := f.SetCellStyle(sheet, "A1", last, headerStyle); err != nil {
		return fmt.Errorf("failed to set header style: %w", err)
	}

	for r, row := range rows {
		for c, v := range row {
			if v == nil || v == "" {
				continue
			}
			cell, err := excelize.CoordinatesToCellName(c+1, r+2)
			if err != nil {
				return fmt.Errorf("failed to convert coordinates: %w", err)
			}
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return fmt.Errorf("failed to set cell %s: %w", cell, err)
			}
		}
	}

	return f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})
}

func yesNo(v bool) string {
	if v {
		return "Yes"
	}
	return "No"
}
