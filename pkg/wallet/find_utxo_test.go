package wallet

import (
	"reflect"
	"testing"
)

func unspentSet() []Unspent[string] {
	amounts := []int64{100, 50, 10, 2, 1}
	labels := map[int64]string{100: "h100", 50: "h50", 10: "h10", 2: "h2", 1: "h1"}
	var out []Unspent[string]
	for _, a := range amounts {
		out = append(out, Unspent[string]{Output: labels[a], Amount: a})
	}
	return out
}

const fee = 1
const feeChange = 2 * fee

func TestFindUTXOExactMatch(t *testing.T) {
	spent, f, change, err := FindUTXO(unspentSet(), 49, fee, feeChange)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(spent, []string{"h50"}) {
		t.Fatalf("spent = %v", spent)
	}
	if f != fee || change != 0 {
		t.Fatalf("fee=%d change=%d", f, change)
	}
}

func TestFindUTXOWithoutChangeMultiple(t *testing.T) {
	spent, f, change, err := FindUTXO(unspentSet(), 13-fee, fee, feeChange)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(spent, []string{"h1", "h2", "h10"}) {
		t.Fatalf("spent = %v", spent)
	}
	if f != fee || change != 0 {
		t.Fatalf("fee=%d change=%d", f, change)
	}
}

func TestFindUTXOWithoutChangeAll(t *testing.T) {
	spent, f, change, err := FindUTXO(unspentSet(), 163-fee, fee, feeChange)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(spent, []string{"h1", "h2", "h10", "h50", "h100"}) {
		t.Fatalf("spent = %v", spent)
	}
	if f != fee || change != 0 {
		t.Fatalf("fee=%d change=%d", f, change)
	}
}

func TestFindUTXOWithChange(t *testing.T) {
	spent, f, change, err := FindUTXO(unspentSet(), 5, fee, feeChange)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(spent, []string{"h1", "h2", "h10"}) {
		t.Fatalf("spent = %v", spent)
	}
	if f != feeChange || change != 6 {
		t.Fatalf("fee=%d change=%d", f, change)
	}
}

func TestFindUTXOWithZeroChange(t *testing.T) {
	spent, f, change, err := FindUTXO(unspentSet(), 161, fee, feeChange)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(spent, []string{"h1", "h2", "h10", "h50", "h100"}) {
		t.Fatalf("spent = %v", spent)
	}
	if f != feeChange || change != 0 {
		t.Fatalf("fee=%d change=%d", f, change)
	}
}

func TestFindUTXONotEnoughMoney(t *testing.T) {
	_, _, _, err := FindUTXO(unspentSet(), 164, fee, feeChange)
	if err != ErrNotEnoughMoney {
		t.Fatalf("expected ErrNotEnoughMoney, got %v", err)
	}
}
