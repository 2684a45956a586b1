// 包 export 负责干跑模式导出：将内存库中的数据写为 data.json。
package export

import (
	"encoding/json"
	"fmt"
	"os"

	"go-damadam-sync/internal/model"
	"go-damadam-sync/internal/pkt"
	"go-damadam-sync/internal/store"
)

// Stats 为导出头部的汇总统计。
type Stats struct {
	Profiles  int    `json:"profiles"`
	Pending   int    `json:"pending"`
	Sightings int    `json:"sightings"`
	Runs      int    `json:"runs"`
	SavedAt   string `json:"saved_at"`
}

// Snapshot 为 data.json 的整体结构。
type Snapshot struct {
	Stats     Stats              `json:"stats"`
	Profiles  []model.Record     `json:"profiles"`
	Queue     []model.QueueEntry `json:"queue"`
	Sightings []model.Sighting   `json:"sightings"`
	Runs      []model.RunSummary `json:"runs"`
}

// Build 从内存存储收集快照。
func Build(st *store.Memory) Snapshot {
	profiles := st.Profiles()
	queue := st.Queue()
	sights := st.Sightings()
	runs := st.Runs()

	// 上线记录只追加不清理，导出时仅保留最新一段
	const maxExportSightings = 500
	if len(sights) > maxExportSightings {
		sights = sights[len(sights)-maxExportSightings:]
	}

	pending := 0
	for _, e := range queue {
		if model.IsPending(string(e.Status)) {
			pending++
		}
	}
	return Snapshot{
		Stats: Stats{
			Profiles:  len(profiles),
			Pending:   pending,
			Sightings: len(sights),
			Runs:      len(runs),
			SavedAt:   pkt.Stamp(pkt.Now()),
		},
		Profiles:  profiles,
		Queue:     queue,
		Sightings: sights,
		Runs:      runs,
	}
}

// ToJSON 将快照写入 JSON 文件（带缩进格式）。
func ToJSON(st *store.Memory, path string) error {
	out := Build(st)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encode json to %s: %w", path, err)
	}
	return nil
}
