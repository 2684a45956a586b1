package model

import (
	"strings"

	"go-damadam-sync/internal/pkt"
)

// 比对时忽略的易变列：每次抓取必然刷新或由站点随机呈现，
// 计入变更会让“无变化”结果永远不可达。
var volatileColumns = map[string]struct{}{
	ColScrapedAt:    {},
	ColJoined:       {},
	ColLastPostTime: {},
	ColProfileURL:   {},
}

// Merge 将一次新抓取融合进已有记录（existing 为 nil 表示首次入库）。
// 规则：
//   - 新值先经 pkt.CleanValue 归一化，占位符与空值不覆盖已有数据
//   - 易变列照常写入但不计入变更列表
//   - 返回融合后的整行、变更类别与发生变更的列名（按固定列序）
func Merge(existing, incoming Record) (Record, ChangeKind, []string) {
	isNew := existing == nil
	merged := existing.Clone()
	var changed []string
	for _, col := range Columns {
		raw, ok := incoming[col]
		if !ok {
			continue
		}
		v := pkt.CleanValue(raw)
		if v == "" {
			continue
		}
		old := strings.TrimSpace(merged[col])
		merged[col] = v
		if isNew {
			changed = append(changed, col)
			continue
		}
		if v == old {
			continue
		}
		if _, vol := volatileColumns[col]; vol {
			continue
		}
		changed = append(changed, col)
	}
	if isNew {
		return merged, ChangeNew, changed
	}
	if len(changed) > 0 {
		return merged, ChangeUpdated, changed
	}
	return merged, ChangeUnchanged, nil
}
