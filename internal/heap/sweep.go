package heap

// SweepResult 清除结果
type SweepResult struct {
	LiveObjects  int64   `json:"live_objects"`
	LiveBytes    uintptr `json:"live_bytes"`
	FreedObjects int64   `json:"freed_objects"`
	FreedBytes   uintptr `json:"freed_bytes"`
	FreeBytes    uintptr `json:"free_bytes"`
}

// Sweep 丢弃未标记的对象并重建可并发收集区域的空闲链表
//
// 必须在没有活动 TLH、没有 mutator 运行时调用。nursery 区域不参与全局清除。
func (h *Heap) Sweep(isMarked func(addr uintptr) bool) SweepResult {
	var result SweepResult

	for _, r := range h.Regions() {
		if !r.ConcurrentlyCollectable {
			continue
		}

		var chunks []freeChunk
		cursor := r.Low
		for addr := r.Low; addr < r.High; {
			slot := &h.objects[(addr-h.base)/ObjectAlignment]
			obj := slot.Load()
			if obj == nil {
				addr += ObjectAlignment
				continue
			}

			if isMarked(obj.Addr) {
				if obj.Addr-cursor >= MinObjectSize {
					chunks = append(chunks, freeChunk{cursor, obj.Addr})
				}
				cursor = obj.End()
				result.LiveObjects++
				result.LiveBytes += obj.Size
			} else {
				slot.Store(nil)
				h.allocatedObjects.Dec()
				result.FreedObjects++
				result.FreedBytes += obj.Size
			}
			addr = obj.End()
		}
		if r.High-cursor >= MinObjectSize {
			chunks = append(chunks, freeChunk{cursor, r.High})
		}

		r.pool.reset(chunks)
		result.FreeBytes += r.pool.available()
	}

	return result
}
