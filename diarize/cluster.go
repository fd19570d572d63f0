package diarize

import (
	"gonum.org/v1/gonum/floats"
)

// toVec конвертирует эмбеддинг провайдера в []float64 для gonum
func toVec(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

// cosineSimilarity возвращает косинусное сходство [-1, 1].
// При нулевой норме возвращает 0 (максимально непохожие).
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	na := floats.Norm(a, 2)
	nb := floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	sim := floats.Dot(a, b) / (na * nb)
	if sim > 1 {
		sim = 1
	} else if sim < -1 {
		sim = -1
	}
	return sim
}

// normalize нормализует вектор до единичной длины (in place)
func normalize(v []float64) {
	n := floats.Norm(v, 2)
	if n < 1e-10 {
		return
	}
	floats.Scale(1/n, v)
}

// updateCentroid обновляет центроид кластера новым эмбеддингом (running mean)
func (c *SpeakerCluster) updateCentroid(emb []float64) {
	if c.Centroid == nil {
		c.Centroid = make([]float64, len(emb))
		copy(c.Centroid, emb)
		normalize(c.Centroid)
		return
	}
	// mean = (mean*count + emb) / (count+1), затем нормализация
	floats.Scale(float64(c.Count), c.Centroid)
	floats.Add(c.Centroid, emb)
	floats.Scale(1/float64(c.Count+1), c.Centroid)
	normalize(c.Centroid)
}

// bestMatch ищет два ближайших кластера для эмбеддинга.
// Возвращает индексы (в clusters) и их сходства; -1 если кластеров нет.
func bestMatch(clusters []*SpeakerCluster, emb []float64) (best, second int, bestSim, secondSim float64) {
	best, second = -1, -1
	bestSim, secondSim = -2, -2
	for i, cl := range clusters {
		sim := cosineSimilarity(cl.Centroid, emb)
		if sim > bestSim {
			second, secondSim = best, bestSim
			best, bestSim = i, sim
		} else if sim > secondSim {
			second, secondSim = i, sim
		}
	}
	return
}

// clusterAgglomerative выполняет иерархическую кластеризацию полного набора
// эмбеддингов через Union-Find: пары со сходством >= tau объединяются,
// кластеры - компоненты связности. Возвращает ID кластера для каждого
// эмбеддинга, нормализованные в порядке первого появления (0, 1, 2...).
func clusterAgglomerative(embeddings [][]float64, tau float64) []int {
	n := len(embeddings)
	if n == 0 {
		return nil
	}

	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}

	var find func(i int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}

	union := func(i, j int) {
		ri, rj := find(i), find(j)
		if ri != rj {
			parent[ri] = rj
		}
	}

	// Транзитивное замыкание по порогу: A~B и B~C => A~C
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if cosineSimilarity(embeddings[i], embeddings[j]) >= tau {
				union(i, j)
			}
		}
	}

	// Нормализуем ID кластеров в порядке первого появления
	clusterMap := make(map[int]int)
	result := make([]int, n)
	nextID := 0
	for i := 0; i < n; i++ {
		root := find(i)
		id, ok := clusterMap[root]
		if !ok {
			id = nextID
			clusterMap[root] = id
			nextID++
		}
		result[i] = id
	}

	return result
}
