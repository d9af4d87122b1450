// Package catalog описывает продуктовые линии: бакеты нумерации, допустимые способы
// доставки, таможню, партнёрские вехи и тарифы.
package catalog

import (
	"slices"

	"github.com/BearBump/OrderSync/internal/models"
	"github.com/BearBump/OrderSync/internal/tracker"
	"github.com/pkg/errors"
)

var ErrUnknownProduct = errors.New("unknown product")

const (
	PharmacyMOH     models.Product = "pharmacymoh"
	PharmacyJPMC    models.Product = "pharmacyjpmc"
	PharmacyPHC     models.Product = "pharmacyphc"
	LocalDelivery   models.Product = "localdelivery"
	LocalDeliveryJB models.Product = "localdeliveryjb"
	GRP             models.Product = "grp"
	BBAgency        models.Product = "bbagency"
	CBSL            models.Product = "cbsl"
	FMX             models.Product = "fmx"
	EWE             models.Product = "ewe"
	EWENS           models.Product = "ewens"
	Temu            models.Product = "temu"
	KPTDP           models.Product = "kptdp"
	PDU             models.Product = "pdu"
	Pure51          models.Product = "pure51"
)

// Bucket: общая последовательность номеров для группы продуктов.
type Bucket struct {
	Name   string
	Scheme tracker.Scheme
}

var (
	bucketPharmacy = Bucket{Name: "pharmacy", Scheme: tracker.Scheme{Suffix: "PH", Prefix: "BN"}}
	bucketLocal    = Bucket{Name: "local", Scheme: tracker.Scheme{Suffix: "LD", Prefix: "BN"}}
	bucketCBSL     = Bucket{Name: "cbsl", Scheme: tracker.Scheme{Suffix: "CB", Prefix: "BN"}}
	bucketFMX      = Bucket{Name: "fmx", Scheme: tracker.Scheme{Suffix: "FMX", Prefix: "BN"}}
	bucketEWE      = Bucket{Name: "ewe", Scheme: tracker.Scheme{Suffix: "EW", Prefix: "BN"}}
	bucketTemu     = Bucket{Name: "temu", Scheme: tracker.Scheme{Suffix: "TM", Prefix: "BN"}}
	bucketKPTDP    = Bucket{Name: "kptdp", Scheme: tracker.Scheme{Suffix: "KP", Prefix: "BN"}}
	bucketPDU      = Bucket{Name: "pdu", Scheme: tracker.Scheme{Suffix: "PD", Prefix: "BN"}}
	bucketPure51   = Bucket{Name: "pure51", Scheme: tracker.Scheme{Suffix: "P5", Prefix: "BN"}}
)

type Product struct {
	Code   models.Product
	Bucket Bucket

	RequiresCustoms bool
	// PartnerMilestones: статусы дублируются в партнёрский API вех.
	PartnerMilestones bool
	// DirectCarrier: заказы приходят из интеграции перевозчика, уведомление о приёме не шлём.
	DirectCarrier bool
	// FeeTable: цена пересчитывается по тарифной сетке при смене способа доставки.
	FeeTable bool

	Methods []models.JobMethod
}

func (p Product) AllowsMethod(m models.JobMethod) bool {
	return slices.Contains(p.Methods, m)
}

var (
	methodsPharmacy = []models.JobMethod{models.JobMethodStandard, models.JobMethodExpress, models.JobMethodImmediate, models.JobMethodSelfCollect}
	methodsLocal    = []models.JobMethod{models.JobMethodStandard, models.JobMethodExpress, models.JobMethodImmediate, models.JobMethodSelfCollect, models.JobMethodDropOff, models.JobMethodPickup}
	methodsCrossBdr = []models.JobMethod{models.JobMethodStandard, models.JobMethodSelfCollect}
)

var products = map[models.Product]Product{
	PharmacyMOH:     {Code: PharmacyMOH, Bucket: bucketPharmacy, FeeTable: true, Methods: methodsPharmacy},
	PharmacyJPMC:    {Code: PharmacyJPMC, Bucket: bucketPharmacy, FeeTable: true, Methods: methodsPharmacy},
	PharmacyPHC:     {Code: PharmacyPHC, Bucket: bucketPharmacy, FeeTable: true, Methods: methodsPharmacy},
	LocalDelivery:   {Code: LocalDelivery, Bucket: bucketLocal, Methods: methodsLocal},
	LocalDeliveryJB: {Code: LocalDeliveryJB, Bucket: bucketLocal, Methods: methodsLocal},
	GRP:             {Code: GRP, Bucket: bucketLocal, Methods: []models.JobMethod{models.JobMethodStandard, models.JobMethodPickup, models.JobMethodDropOff}},
	BBAgency:        {Code: BBAgency, Bucket: bucketLocal, Methods: []models.JobMethod{models.JobMethodStandard, models.JobMethodSelfCollect}},
	CBSL:            {Code: CBSL, Bucket: bucketCBSL, RequiresCustoms: true, Methods: methodsCrossBdr},
	FMX:             {Code: FMX, Bucket: bucketFMX, RequiresCustoms: true, PartnerMilestones: true, DirectCarrier: true, Methods: methodsCrossBdr},
	EWE:             {Code: EWE, Bucket: bucketEWE, RequiresCustoms: true, DirectCarrier: true, Methods: methodsCrossBdr},
	EWENS:           {Code: EWENS, Bucket: bucketEWE, RequiresCustoms: true, DirectCarrier: true, Methods: methodsCrossBdr},
	Temu:            {Code: Temu, Bucket: bucketTemu, RequiresCustoms: true, DirectCarrier: true, Methods: methodsCrossBdr},
	KPTDP:           {Code: KPTDP, Bucket: bucketKPTDP, Methods: []models.JobMethod{models.JobMethodStandard}},
	PDU:             {Code: PDU, Bucket: bucketPDU, Methods: []models.JobMethod{models.JobMethodStandard, models.JobMethodExpress}},
	Pure51:          {Code: Pure51, Bucket: bucketPure51, Methods: []models.JobMethod{models.JobMethodStandard, models.JobMethodSelfCollect}},
}

func Lookup(code models.Product) (Product, error) {
	p, ok := products[code]
	if !ok {
		return Product{}, errors.Wrapf(ErrUnknownProduct, "%q", code)
	}
	return p, nil
}

func All() []Product {
	out := make([]Product, 0, len(products))
	for _, p := range products {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Product) int {
		switch {
		case a.Code < b.Code:
			return -1
		case a.Code > b.Code:
			return 1
		}
		return 0
	})
	return out
}

// Buckets возвращает уникальные бакеты в стабильном порядке.
func Buckets() []Bucket {
	seen := map[string]struct{}{}
	var out []Bucket
	for _, p := range All() {
		if _, ok := seen[p.Bucket.Name]; ok {
			continue
		}
		seen[p.Bucket.Name] = struct{}{}
		out = append(out, p.Bucket)
	}
	return out
}

// ProductsInBucket нужен сиквенсеру для поиска максимального номера среди старых заказов.
func ProductsInBucket(bucket string) []models.Product {
	var out []models.Product
	for _, p := range All() {
		if p.Bucket.Name == bucket {
			out = append(out, p.Code)
		}
	}
	return out
}
