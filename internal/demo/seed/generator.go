package seed

import (
	"bytes"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/parquet-go/parquet-go"
)

type Customer struct {
	CustomerID   string    `parquet:"customer_id"`
	CustomerName string    `parquet:"customer_name"`
	Region       string    `parquet:"region"`
	Segment      string    `parquet:"segment"`
	SignupDate   time.Time `parquet:"signup_date"`
}

type Sale struct {
	OrderID     int64     `parquet:"order_id"`
	OrderDate   time.Time `parquet:"order_date"`
	CustomerID  string    `parquet:"customer_id"`
	ProductName string    `parquet:"product_name"`
	Category    string    `parquet:"category"`
	Region      string    `parquet:"region"`
	Quantity    int64     `parquet:"quantity"`
	UnitPrice   float64   `parquet:"unit_price"`
	Revenue     float64   `parquet:"revenue"`
}

type product struct {
	name     string
	category string
	price    float64
	weight   int
}

var catalogProducts = []product{
	{"Widget", "Hardware", 19.99, 30},
	{"Gadget", "Hardware", 49.50, 20},
	{"Sprocket", "Hardware", 4.25, 15},
	{"Notebook", "Stationery", 3.10, 12},
	{"Desk Lamp", "Home", 34.00, 8},
	{"Office Chair", "Home", 189.00, 5},
	{"Headphones", "Electronics", 79.99, 6},
	{"USB Cable", "Electronics", 9.49, 4},
}

var (
	regions  = []string{"North", "South", "East", "West"}
	segments = []string{"Consumer", "Corporate", "Small Business"}
	surnames = []string{"Ng", "Patel", "Garcia", "Smith", "Kowalski", "Okafor", "Tanaka", "Larsen"}
	initials = "ABCDEFGHJKLMNPRSTW"
)

// Generator produces a deterministic retail dataset for a given seed.
type Generator struct {
	rnd   *rand.Rand
	start time.Time
	days  int
}

func NewGenerator(seed int64, start time.Time, days int) *Generator {
	return &Generator{
		rnd:   rand.New(rand.NewSource(seed)),
		start: start.UTC().Truncate(24 * time.Hour),
		days:  days,
	}
}

func (g *Generator) Customers(count int) []Customer {
	out := make([]Customer, 0, count)
	for i := 1; i <= count; i++ {
		out = append(out, Customer{
			CustomerID:   customerID(i),
			CustomerName: fmt.Sprintf("%c. %s", initials[g.rnd.Intn(len(initials))], pickOne(g.rnd, surnames)),
			Region:       pickOne(g.rnd, regions),
			Segment:      pickOne(g.rnd, segments),
			SignupDate:   g.start.AddDate(0, 0, -g.rnd.Intn(720)),
		})
	}
	return out
}

// Sales draws orders for the given customers; each order inherits the
// customer's region so joins and direct region filters agree.
func (g *Generator) Sales(count int, customers []Customer) []Sale {
	out := make([]Sale, 0, count)
	for i := 1; i <= count; i++ {
		customer := customers[g.rnd.Intn(len(customers))]
		item := g.pickProduct()
		quantity := int64(1 + g.rnd.Intn(5))
		if item.price < 10 {
			quantity += int64(g.rnd.Intn(10))
		}
		out = append(out, Sale{
			OrderID:     int64(i),
			OrderDate:   g.start.AddDate(0, 0, g.rnd.Intn(g.days)),
			CustomerID:  customer.CustomerID,
			ProductName: item.name,
			Category:    item.category,
			Region:      customer.Region,
			Quantity:    quantity,
			UnitPrice:   item.price,
			Revenue:     round2(float64(quantity) * item.price),
		})
	}
	return out
}

func (g *Generator) pickProduct() product {
	total := 0
	for _, p := range catalogProducts {
		total += p.weight
	}
	n := g.rnd.Intn(total)
	for _, p := range catalogProducts {
		if n < p.weight {
			return p
		}
		n -= p.weight
	}
	return catalogProducts[len(catalogProducts)-1]
}

func EncodeParquet[T any](rows []T) ([]byte, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("rows are required")
	}
	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[T](buf)
	if _, err := writer.Write(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

func customerID(i int) string {
	return fmt.Sprintf("cust-%05d", i)
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}

func pickOne(r *rand.Rand, values []string) string {
	return values[r.Intn(len(values))]
}
