package diarize

import "sort"

// Aggregate вычисляет статистику по спикерам из размеченных реплик.
// Чистая функция без скрытого состояния: одинаковый вход даёт побитово
// одинаковый выход независимо от порядка вызовов.
//
// Реплики с флагом Overlapping засчитывают полную длительность каждому
// спикеру, которому атрибутированы, поэтому сумма процентов при
// перекрытиях может превышать 100 - это ожидаемое поведение, не ошибка.
func Aggregate(utterances []LabeledUtterance, totalDuration float64) []SpeakerStatistics {
	if len(utterances) == 0 {
		return nil
	}

	// Реплики в хронологическом порядке для подсчёта смен спикера
	ordered := make([]LabeledUtterance, len(utterances))
	copy(ordered, utterances)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Start < ordered[j].Start })

	type acc struct {
		time  float64
		turns int
	}
	stats := make(map[string]*acc)
	var order []string

	prev := ""
	for _, u := range ordered {
		if u.Speaker == UnknownSpeaker {
			prev = UnknownSpeaker
			continue
		}

		a, ok := stats[u.Speaker]
		if !ok {
			a = &acc{}
			stats[u.Speaker] = a
			order = append(order, u.Speaker)
		}
		a.time += u.Duration()

		// Очередь (turn) - максимальная непрерывная серия реплик одного
		// спикера; серия заканчивается при смене метки
		if u.Speaker != prev {
			a.turns++
		}
		prev = u.Speaker
	}

	result := make([]SpeakerStatistics, 0, len(order))
	for _, speaker := range order {
		a := stats[speaker]
		pct := 0.0
		if totalDuration > 0 {
			pct = a.time / totalDuration * 100
		}
		result = append(result, SpeakerStatistics{
			Speaker:      speaker,
			SpeakingTime: a.time,
			Percentage:   pct,
			Turns:        a.turns,
		})
	}
	return result
}
