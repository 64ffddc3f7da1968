package detector

import (
	"testing"
	"time"

	"artemis-health/internal/models"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func testProfile() *models.ThresholdProfile {
	return &models.ThresholdProfile{
		UserID: "user-1",
		Bands: map[models.VitalKind]models.ThresholdBand{
			models.VitalHeartRate: {
				WarningLow:   50,
				WarningHigh:  100,
				CriticalLow:  40,
				CriticalHigh: 110,
			},
		},
		UpdatedAt: time.Now(),
	}
}

func TestClassifyValue_Tiers(t *testing.T) {
	band := models.ThresholdBand{
		WarningLow:   50,
		WarningHigh:  100,
		CriticalLow:  40,
		CriticalHigh: 110,
	}

	tests := []struct {
		name  string
		value float64
		want  models.Tier
	}{
		{"inside normal band", 72, models.TierNormal},
		{"just above warning high", 105, models.TierWarning},
		{"just below warning low", 45, models.TierWarning},
		{"above critical high", 115, models.TierCritical},
		{"below critical low", 35, models.TierCritical},
		// boundary values classify into the tighter (more severe) band
		{"boundary warning high", 100, models.TierWarning},
		{"boundary warning low", 50, models.TierWarning},
		{"boundary critical high", 110, models.TierCritical},
		{"boundary critical low", 40, models.TierCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyValue(tt.value, band))
		})
	}
}

func TestClassify_Deterministic(t *testing.T) {
	d := NewDetector(zap.NewNop())
	profile := testProfile()

	reading := &models.VitalsReading{
		UserID:     "user-1",
		DeviceID:   "device-1",
		RecordedAt: time.Now(),
		Vitals: map[models.VitalKind]float64{
			models.VitalHeartRate:        105,
			models.VitalOxygenSaturation: 97,
		},
	}

	// identical inputs always yield identical output
	first := d.Classify(reading, profile)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, d.Classify(reading, profile))
	}

	assert.Len(t, first, 2)
	assert.Equal(t, models.VitalHeartRate, first[0].Kind)
	assert.Equal(t, models.TierWarning, first[0].Tier)
	assert.Equal(t, models.VitalOxygenSaturation, first[1].Kind)
	assert.Equal(t, models.TierNormal, first[1].Tier)
}

func TestClassify_DefaultBandsWhenProfileMissing(t *testing.T) {
	d := NewDetector(zap.NewNop())

	reading := &models.VitalsReading{
		UserID:   "user-1",
		DeviceID: "device-1",
		Vitals: map[models.VitalKind]float64{
			models.VitalTemperature: 105, // above built-in critical high (104)
		},
	}

	// nil profile falls back to built-in safe ranges
	results := d.Classify(reading, nil)
	assert.Len(t, results, 1)
	assert.Equal(t, models.TierCritical, results[0].Tier)
}

func TestClassify_UnknownVitalKindIsNormal(t *testing.T) {
	d := NewDetector(zap.NewNop())

	reading := &models.VitalsReading{
		UserID:   "user-1",
		DeviceID: "device-1",
		Vitals: map[models.VitalKind]float64{
			"bloodGlucose": 250, // not configured, no built-in band
		},
	}

	// unknown kinds are never rejected, classified normal
	results := d.Classify(reading, testProfile())
	assert.Len(t, results, 1)
	assert.Equal(t, models.TierNormal, results[0].Tier)
}

func TestDefaultBand(t *testing.T) {
	band, ok := DefaultBand(models.VitalHeartRate)
	assert.True(t, ok)
	assert.Equal(t, 40.0, band.CriticalLow)
	assert.Equal(t, 200.0, band.CriticalHigh)

	_, ok = DefaultBand("unknownKind")
	assert.False(t, ok)
}
