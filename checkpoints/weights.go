package checkpoints

import (
	"fmt"

	"github.com/medvision/pneumoseg/model"
)

// ExtractWeights snapshots a model's parameters into serializable weight
// tensors. Data is copied so later training steps do not mutate the
// snapshot.
func ExtractWeights(m model.Model) []WeightTensor {
	params := m.Parameters()
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		data := make([]float32, len(p.Value.Data))
		copy(data, p.Value.Data)
		shape := make([]int, len(p.Value.Shape))
		copy(shape, p.Value.Shape)
		weights = append(weights, WeightTensor{
			Name:  p.Name,
			Shape: shape,
			Data:  data,
		})
	}
	return weights
}

// LoadWeights copies checkpoint weight data into a model's parameters,
// matching by parameter name and verifying shapes.
func LoadWeights(weights []WeightTensor, m model.Model) error {
	byName := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}

	for _, p := range m.Parameters() {
		w, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("checkpoint has no weight for parameter %s", p.Name)
		}
		if len(w.Shape) != len(p.Value.Shape) {
			return fmt.Errorf("shape mismatch for %s: checkpoint %v vs model %v", p.Name, w.Shape, p.Value.Shape)
		}
		for i, dim := range p.Value.Shape {
			if w.Shape[i] != dim {
				return fmt.Errorf("dimension mismatch for %s at index %d: checkpoint %d vs model %d",
					p.Name, i, w.Shape[i], dim)
			}
		}
		copy(p.Value.Data, w.Data)
	}
	return nil
}
