package dataset

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"math/rand"
	"strconv"
	"strings"

	fgerrors "github.com/fedgen/fedgen/model/errors"
)

// Profile describes the population a synthetic cohort is drawn from.
type Profile struct {
	Prefix  string
	AgeMean float64
	AgeStd  float64
	BMIMean float64
	BMIStd  float64
	// dosage probabilities for 0, 1 and 2 copies of the variant
	BRCA1 [3]float64
	TP53  [3]float64
	APOE4 [3]float64
}

var (
	// USProfile is the reference US cohort.
	USProfile = Profile{
		Prefix: "US", AgeMean: 52, AgeStd: 12, BMIMean: 28.5, BMIStd: 4,
		BRCA1: [3]float64{0.85, 0.12, 0.03},
		TP53:  [3]float64{0.90, 0.08, 0.02},
		APOE4: [3]float64{0.80, 0.15, 0.05},
	}
	// EUProfile is the reference EU cohort.
	EUProfile = Profile{
		Prefix: "EU", AgeMean: 48, AgeStd: 12, BMIMean: 25.0, BMIStd: 4,
		BRCA1: [3]float64{0.92, 0.06, 0.02},
		TP53:  [3]float64{0.90, 0.08, 0.02},
		APOE4: [3]float64{0.80, 0.15, 0.05},
	}
)

// ProfileFor returns the profile of a region code. Unknown regions use the EU
// profile under their own prefix.
func ProfileFor(region string) Profile {
	region = strings.ToUpper(region)
	if region == "US" {
		return USProfile
	}
	p := EUProfile
	if region != "" {
		p.Prefix = region
	}
	return p
}

// Patient is one synthetic record.
type Patient struct {
	ID        string
	Age       int
	BRCA1     int
	TP53      int
	APOE4     int
	BMI       float64
	Diagnosis int
}

// Generate draws n patients from p. The same seed always yields the same
// cohort.
func Generate(p Profile, n int, seed int64) ([]Patient, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: cohort size must be positive, got %d", fgerrors.ErrInvalidInput, n)
	}
	rnd := rand.New(rand.NewSource(seed))
	patients := make([]Patient, n)
	for i := range patients {
		age := int(rnd.NormFloat64()*p.AgeStd + p.AgeMean)
		age = clampInt(age, 25, 80)
		bmi := math.Max(18.5, math.Min(45.0, rnd.NormFloat64()*p.BMIStd+p.BMIMean))
		pt := Patient{
			ID:    fmt.Sprintf("%s-%04d", p.Prefix, i+1),
			Age:   age,
			BRCA1: choose(rnd, p.BRCA1),
			TP53:  choose(rnd, p.TP53),
			APOE4: choose(rnd, p.APOE4),
			BMI:   math.Round(bmi*10) / 10,
		}
		logit := -3.0 + 0.03*float64(pt.Age-50) + 0.8*float64(pt.BRCA1) + 0.5*float64(pt.TP53)
		if rnd.Float64() < 1/(1+math.Exp(-logit)) {
			pt.Diagnosis = 1
		}
		patients[i] = pt
	}
	return patients, nil
}

func choose(rnd *rand.Rand, probs [3]float64) int {
	u := rnd.Float64()
	acc := 0.0
	for i, p := range probs {
		acc += p
		if u < acc {
			return i
		}
	}
	return len(probs) - 1
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ToDataset converts patients to the FeatureColumns layout.
func ToDataset(patients []Patient) *Dataset {
	ds := &Dataset{
		Columns:  append([]string(nil), FeatureColumns...),
		Features: make([][]float64, len(patients)),
		Labels:   make([]float64, len(patients)),
	}
	for i, p := range patients {
		ds.Features[i] = []float64{float64(p.Age), float64(p.BRCA1), float64(p.TP53), float64(p.APOE4), p.BMI}
		ds.Labels[i] = float64(p.Diagnosis)
	}
	return ds
}

// WriteCSV writes patients with the patient_id column first.
func WriteCSV(w io.Writer, patients []Patient) error {
	cw := csv.NewWriter(w)
	header := append([]string{"patient_id"}, FeatureColumns...)
	header = append(header, LabelColumn)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, p := range patients {
		record := []string{
			p.ID,
			strconv.Itoa(p.Age),
			strconv.Itoa(p.BRCA1),
			strconv.Itoa(p.TP53),
			strconv.Itoa(p.APOE4),
			strconv.FormatFloat(p.BMI, 'f', 1, 64),
			strconv.Itoa(p.Diagnosis),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// SyntheticSource generates its cohort on Load.
type SyntheticSource struct {
	Profile Profile
	Samples int
	Seed    int64
}

// Load generates the cohort.
func (s *SyntheticSource) Load(ctx context.Context) (*Dataset, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	patients, err := Generate(s.Profile, s.Samples, s.Seed)
	if err != nil {
		return nil, err
	}
	return ToDataset(patients), nil
}
