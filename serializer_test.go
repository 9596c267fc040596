package lightforker

import (
	"errors"
	"reflect"
	"testing"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec/anyvec32"
	"github.com/unixpickle/serializer"
)

func TestActivationSerialize(t *testing.T) {
	acts := []Activation{ReLU, Sigmoid, Tanh, LogSoftmax}
	data, err := serializer.SerializeAny(acts[0], acts[1], acts[2], acts[3])
	if err != nil {
		t.Fatal(err)
	}
	newActs := make([]Activation, len(acts))
	err = serializer.DeserializeAny(data, &newActs[0], &newActs[1], &newActs[2], &newActs[3])
	if err != nil {
		t.Fatal(err)
	}
	for i, a := range acts {
		if newActs[i] != a {
			t.Errorf("%s failed", a)
		}
	}
}

func TestActivationDeserializeUnknown(t *testing.T) {
	if _, err := DeserializeActivation([]byte{200}); err == nil {
		t.Error("expected error")
	}
}

func TestFCSerialize(t *testing.T) {
	fc := NewFC(anyvec32.DefaultCreator{}, 7, 5)
	data, err := serializer.SerializeAny(fc)
	if err != nil {
		t.Fatal(err)
	}
	var newFC *FC
	if err := serializer.DeserializeAny(data, &newFC); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(fc, newFC) {
		t.Fatal("incorrect result")
	}
}

func TestAffineSerialize(t *testing.T) {
	affine := &Affine{
		Scalers: anydiff.NewVar(anyvec32.MakeVectorData([]float32{1, 2, -1})),
		Biases:  anydiff.NewVar(anyvec32.MakeVectorData([]float32{-3, 1, 0.5})),
	}
	data, err := serializer.SerializeAny(affine)
	if err != nil {
		t.Fatal(err)
	}
	var newAffine *Affine
	if err := serializer.DeserializeAny(data, &newAffine); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(affine, newAffine) {
		t.Fatal("incorrect result")
	}
}

func TestAffineChannelMismatch(t *testing.T) {
	scalers := anyvec32.MakeVectorData([]float32{1, 2, -1})
	biases := anyvec32.MakeVectorData([]float32{-3, 1})
	_, err := NewChannelAffine(scalers, biases)
	var mismatch *ConfigurationMismatch
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected ConfigurationMismatch but got %v", err)
	}

	data, err := serializer.SerializeAny(&Affine{
		Scalers: anydiff.NewVar(scalers),
		Biases:  anydiff.NewVar(biases),
	})
	if err != nil {
		t.Fatal(err)
	}
	var affine *Affine
	if err := serializer.DeserializeAny(data, &affine); err == nil {
		t.Error("expected deserialize error")
	}
}

func TestNetSerialize(t *testing.T) {
	net := Net{NewFC(anyvec32.DefaultCreator{}, 3, 2), ReLU, LogSoftmax}
	data, err := serializer.SerializeAny(net)
	if err != nil {
		t.Fatal(err)
	}
	var net1 Net
	if err := serializer.DeserializeAny(data, &net1); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(net, net1) {
		t.Fatal("networks not equal")
	}
}

func TestProjectionHeadSerialize(t *testing.T) {
	head := NewProjectionHead(anyvec32.DefaultCreator{}, 6, 4)
	data, err := serializer.SerializeAny(head)
	if err != nil {
		t.Fatal(err)
	}
	var head1 *ProjectionHead
	if err := serializer.DeserializeAny(data, &head1); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(head, head1) {
		t.Fatal("heads not equal")
	}
}
